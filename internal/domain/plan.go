package domain

import "strings"

// RequiredJobs is the number of style slots every order dispatches, whatever the plan.
const RequiredJobs = 10

// PlanTier is the purchased package. Only RequiredCounts interprets it.
type PlanTier string

const (
	PlanBasic        PlanTier = "basic"
	PlanProfessional PlanTier = "professional"
	PlanExecutive    PlanTier = "executive"
)

// Targets are the counts an order must reach to be complete
type Targets struct {
	RequiredJobs      int
	ImagesPerJob      int
	RequiredArtifacts int
}

// ParsePlanTier normalizes a stored or submitted plan name.
// Unknown or empty values fall back to PlanBasic.
func ParsePlanTier(s string) PlanTier {
	switch PlanTier(strings.ToLower(strings.TrimSpace(s))) {
	case PlanProfessional:
		return PlanProfessional
	case PlanExecutive:
		return PlanExecutive
	default:
		return PlanBasic
	}
}

// RequiredCounts maps a plan tier to its job and artifact targets.
// The tier only scales images per job; unknown tiers get the basic counts.
func RequiredCounts(tier PlanTier) Targets {
	imagesPerJob := 1
	switch ParsePlanTier(string(tier)) {
	case PlanProfessional:
		imagesPerJob = 10
	case PlanExecutive:
		imagesPerJob = 20
	}

	return Targets{
		RequiredJobs:      RequiredJobs,
		ImagesPerJob:      imagesPerJob,
		RequiredArtifacts: RequiredJobs * imagesPerJob,
	}
}
