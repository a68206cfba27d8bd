package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequiredCounts(t *testing.T) {
	tests := []struct {
		tier         string
		imagesPerJob int
		artifacts    int
	}{
		{tier: "basic", imagesPerJob: 1, artifacts: 10},
		{tier: "Professional", imagesPerJob: 10, artifacts: 100},
		{tier: " EXECUTIVE ", imagesPerJob: 20, artifacts: 200},
		{tier: "", imagesPerJob: 1, artifacts: 10},
		{tier: "platinum", imagesPerJob: 1, artifacts: 10},
	}

	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			got := RequiredCounts(PlanTier(tt.tier))
			assert.Equal(t, RequiredJobs, got.RequiredJobs)
			assert.Equal(t, tt.imagesPerJob, got.ImagesPerJob)
			assert.Equal(t, tt.artifacts, got.RequiredArtifacts)
		})
	}
}
