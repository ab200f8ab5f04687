package worker

// Stage is one step of the fixed analysis pipeline. Target is the overall
// percentage reported when the stage is entered; subsequent ticks interpolate
// toward the next stage's target.
type Stage struct {
	Name   string
	Target int
	Step   int
}

// Pipeline stages in execution order.
var (
	stageInitializing    = Stage{Name: "initializing", Target: 5, Step: 1}
	stageFetchingProject = Stage{Name: "fetching_project", Target: 10, Step: 2}
	stageCrawling        = Stage{Name: "crawling", Target: 20, Step: 3}
	stageAnalyzing       = Stage{Name: "analyzing", Target: 30, Step: 4}
	stageScoring         = Stage{Name: "scoring", Target: 70, Step: 5}
	stageRecommendations = Stage{Name: "generating_recommendations", Target: 80, Step: 6}
	stageStoringResults  = Stage{Name: "storing_results", Target: 90, Step: 7}
	stageCompleted       = Stage{Name: "completed", Target: 100, Step: 8}
)

var pipeline = []Stage{
	stageInitializing,
	stageFetchingProject,
	stageCrawling,
	stageAnalyzing,
	stageScoring,
	stageRecommendations,
	stageStoringResults,
	stageCompleted,
}

const totalSteps = 8

// nextTarget returns the percentage ceiling for ticks within a stage.
func nextTarget(st Stage) int {
	for i, candidate := range pipeline {
		if candidate.Step == st.Step && i+1 < len(pipeline) {
			return pipeline[i+1].Target
		}
	}
	return 100
}
