package domain

import (
	"math"
	"slices"
	"strconv"
	"time"
)

// OrderStatus is the fulfillment state of an order
type OrderStatus string

const (
	OrderStatusOngoing  OrderStatus = "ONGOING"
	OrderStatusPartial  OrderStatus = "PARTIAL"
	OrderStatusComplete OrderStatus = "COMPLETE"
	OrderStatusFailed   OrderStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusComplete || s == OrderStatusFailed
}

// JobStatus is the state of a single slot's generation job
type JobStatus string

const (
	JobStatusPending  JobStatus = "PENDING"
	JobStatusPartial  JobStatus = "PARTIAL"
	JobStatusComplete JobStatus = "COMPLETE"
	JobStatusFailed   JobStatus = "FAILED"
)

// UnknownSlot marks artifacts whose slot could not be resolved
const UnknownSlot = -1

// Style is one requested clothing/background combination
type Style struct {
	Clothing   string `json:"clothing"`
	Background string `json:"background"`
}

// Brief carries what the prompt builder needs to describe the subject
type Brief struct {
	Gender string  `json:"gender"`
	Age    string  `json:"age"`
	Styles []Style `json:"styles"`
}

// GenerationJob is the dispatch record of one style slot
type GenerationJob struct {
	SlotIndex           int       `json:"slot_index"`
	PromptText          string    `json:"prompt_text"`
	RequestedImageCount int       `json:"requested_image_count"`
	ExternalJobIDs      []string  `json:"external_job_ids"`
	Status              JobStatus `json:"status"`
	AttemptCount        int       `json:"attempt_count"`
}

// Artifact is a validated image, keyed by its canonical URL
type Artifact struct {
	URL           string    `json:"url"`
	SlotIndex     int       `json:"slot_index"`
	ExternalJobID string    `json:"external_job_id"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Order is the persisted aggregate for one customer order.
// It is only mutated through aggregate.Repository.Mutate.
type Order struct {
	OrderID              string
	PlanTier             PlanTier
	ModelID              string
	Brief                Brief
	Jobs                 []GenerationJob
	Artifacts            []Artifact
	SeenJobIDs           []string
	Contributors         []string
	FailedSlots          []int
	Status               OrderStatus
	BackupTriggered      bool
	SweepScheduled       bool
	// BackupSweepScheduled is the follow-up sweep armed with the backup
	// dispatch, independent of the near-completion sweep
	BackupSweepScheduled bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
	Version              int64
}

// NewOrder creates an aggregate in the Ongoing state
func NewOrder(orderID string, tier PlanTier, modelID string, brief Brief, now time.Time) *Order {
	return &Order{
		OrderID:   orderID,
		PlanTier:  ParsePlanTier(string(tier)),
		ModelID:   modelID,
		Brief:     brief,
		Status:    OrderStatusOngoing,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Targets returns the plan-derived counts for this order
func (o *Order) Targets() Targets {
	return RequiredCounts(o.PlanTier)
}

// Clone returns a deep copy
func (o *Order) Clone() *Order {
	c := *o
	c.Brief.Styles = slices.Clone(o.Brief.Styles)
	c.Jobs = make([]GenerationJob, len(o.Jobs))
	for i, j := range o.Jobs {
		j.ExternalJobIDs = slices.Clone(j.ExternalJobIDs)
		c.Jobs[i] = j
	}
	c.Artifacts = slices.Clone(o.Artifacts)
	c.SeenJobIDs = slices.Clone(o.SeenJobIDs)
	c.Contributors = slices.Clone(o.Contributors)
	c.FailedSlots = slices.Clone(o.FailedSlots)
	return &c
}

// HasSeenJob reports whether a callback for externalJobID was already folded in
func (o *Order) HasSeenJob(externalJobID string) bool {
	return slices.Contains(o.SeenJobIDs, externalJobID)
}

// MarkJobSeen records externalJobID as folded in
func (o *Order) MarkJobSeen(externalJobID string) {
	if !o.HasSeenJob(externalJobID) {
		o.SeenJobIDs = append(o.SeenJobIDs, externalJobID)
	}
}

// Job returns the job for a slot, creating a pending one if needed
func (o *Order) Job(slot int) *GenerationJob {
	for i := range o.Jobs {
		if o.Jobs[i].SlotIndex == slot {
			return &o.Jobs[i]
		}
	}
	o.Jobs = append(o.Jobs, GenerationJob{SlotIndex: slot, Status: JobStatusPending})
	slices.SortFunc(o.Jobs, func(a, b GenerationJob) int { return a.SlotIndex - b.SlotIndex })
	for i := range o.Jobs {
		if o.Jobs[i].SlotIndex == slot {
			return &o.Jobs[i]
		}
	}
	return nil
}

// SlotForJob resolves the slot an external job was dispatched for
func (o *Order) SlotForJob(externalJobID string) (int, bool) {
	for _, j := range o.Jobs {
		if slices.Contains(j.ExternalJobIDs, externalJobID) {
			return j.SlotIndex, true
		}
	}
	return UnknownSlot, false
}

// RecordExternalJob attaches an accepted external job id to a slot and
// reports whether the order changed. A contributor already counted under the
// bare job id is folded into the slot.
func (o *Order) RecordExternalJob(slot int, externalJobID string) bool {
	job := o.Job(slot)
	changed := false
	if !slices.Contains(job.ExternalJobIDs, externalJobID) {
		job.ExternalJobIDs = append(job.ExternalJobIDs, externalJobID)
		changed = true
	}
	return o.rekeyContributor(slot, externalJobID) || changed
}

// rekeyContributor replaces the job:<id> contributor with the slot's key and
// moves that job's unassigned artifacts onto the slot
func (o *Order) rekeyContributor(slot int, externalJobID string) bool {
	idx := slices.Index(o.Contributors, ContributorKey(UnknownSlot, externalJobID))
	if idx < 0 {
		return false
	}
	o.Contributors = slices.Delete(o.Contributors, idx, idx+1)
	o.AddContributor(ContributorKey(slot, externalJobID))
	for n := range o.Artifacts {
		if o.Artifacts[n].ExternalJobID == externalJobID && o.Artifacts[n].SlotIndex == UnknownSlot {
			o.Artifacts[n].SlotIndex = slot
		}
	}
	return true
}

// ContributorKey identifies a reporting slot. Callbacks without a
// resolvable slot count as their own contributor until the job is bound
// to a slot.
func ContributorKey(slot int, externalJobID string) string {
	if slot == UnknownSlot {
		return "job:" + externalJobID
	}
	return "slot:" + strconv.Itoa(slot)
}

// HasContributor reports whether key already reported
func (o *Order) HasContributor(key string) bool {
	return slices.Contains(o.Contributors, key)
}

// AddContributor records a reporting slot
func (o *Order) AddContributor(key string) {
	if !o.HasContributor(key) {
		o.Contributors = append(o.Contributors, key)
	}
}

// AddArtifacts unions artifacts into the set by canonical URL and returns
// how many were new.
func (o *Order) AddArtifacts(artifacts []Artifact) int {
	added := 0
	for _, a := range artifacts {
		if o.hasArtifact(a.URL) {
			continue
		}
		o.Artifacts = append(o.Artifacts, a)
		added++
	}
	return added
}

func (o *Order) hasArtifact(url string) bool {
	return slices.ContainsFunc(o.Artifacts, func(a Artifact) bool { return a.URL == url })
}

// SlotArtifactCount counts artifacts attributed to slot
func (o *Order) SlotArtifactCount(slot int) int {
	n := 0
	for _, a := range o.Artifacts {
		if a.SlotIndex == slot {
			n++
		}
	}
	return n
}

// RefreshJobStatuses derives each slot's status from its artifact count
func (o *Order) RefreshJobStatuses() {
	perJob := o.Targets().ImagesPerJob
	for i := range o.Jobs {
		n := o.SlotArtifactCount(o.Jobs[i].SlotIndex)
		switch {
		case n >= perJob:
			o.Jobs[i].Status = JobStatusComplete
		case n > 0:
			o.Jobs[i].Status = JobStatusPartial
		}
	}
}

// CountedArtifacts is the artifact count used for completion and display.
// Over-delivered artifacts stay in the set but are not counted.
func (o *Order) CountedArtifacts() int {
	return min(len(o.Artifacts), o.Targets().RequiredArtifacts)
}

// DisplayArtifacts returns at most the required number of artifacts
func (o *Order) DisplayArtifacts() []Artifact {
	n := o.CountedArtifacts()
	return slices.Clone(o.Artifacts[:n])
}

// MeetsTarget reports whether enough artifacts were collected
func (o *Order) MeetsTarget() bool {
	return len(o.Artifacts) >= o.Targets().RequiredArtifacts
}

// Transition moves the order to status if the move is allowed. Complete
// and Failed are terminal and no state moves backwards.
func (o *Order) Transition(to OrderStatus) bool {
	if o.Status == to || o.Status.IsTerminal() {
		return false
	}
	switch to {
	case OrderStatusPartial:
		if o.Status != OrderStatusOngoing {
			return false
		}
	case OrderStatusComplete:
		if !o.MeetsTarget() {
			return false
		}
	case OrderStatusFailed:
	default:
		return false
	}
	o.Status = to
	return true
}

// EvaluateCompletion applies the Ongoing -> Partial -> Complete rules.
func (o *Order) EvaluateCompletion() bool {
	if o.MeetsTarget() {
		return o.Transition(OrderStatusComplete)
	}
	if len(o.Artifacts) > 0 && o.Status == OrderStatusOngoing {
		return o.Transition(OrderStatusPartial)
	}
	return false
}

// ShortfallSlots lists slots below their per-job image quota
func (o *Order) ShortfallSlots() []int {
	perJob := o.Targets().ImagesPerJob
	var slots []int
	for slot := 0; slot < o.Targets().RequiredJobs; slot++ {
		if o.SlotArtifactCount(slot) < perJob {
			slots = append(slots, slot)
		}
	}
	return slots
}

// TriggerBackup flips BackupTriggered once, when a partial order is still
// short after the threshold. It returns the slots to re-dispatch and arms
// the follow-up sweep that picks up the backup's images.
func (o *Order) TriggerBackup(now time.Time, after time.Duration) ([]int, bool) {
	if o.BackupTriggered || o.Status != OrderStatusPartial || o.MeetsTarget() {
		return nil, false
	}
	if now.Sub(o.CreatedAt) < after {
		return nil, false
	}
	slots := o.ShortfallSlots()
	if len(slots) == 0 {
		return nil, false
	}
	o.BackupTriggered = true
	o.BackupSweepScheduled = true
	return slots, true
}

// NearCompletion reports whether enough slots reported to arm the late sweep
func (o *Order) NearCompletion(ratio float64) bool {
	need := int(math.Ceil(ratio * float64(o.Targets().RequiredJobs)))
	return len(o.Contributors) >= need
}

// ArmSweep marks the one-shot scheduled sweep as armed
func (o *Order) ArmSweep() bool {
	if o.SweepScheduled || o.Status.IsTerminal() {
		return false
	}
	o.SweepScheduled = true
	return true
}

// SetFailedSlots adds newly failed slots and clears the recovered ones
func (o *Order) SetFailedSlots(failed []int, recovered []int) {
	out := slices.DeleteFunc(slices.Clone(o.FailedSlots), func(s int) bool {
		return slices.Contains(recovered, s)
	})
	for _, s := range failed {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	o.FailedSlots = out
	for _, s := range failed {
		job := o.Job(s)
		if len(job.ExternalJobIDs) == 0 && o.SlotArtifactCount(s) == 0 {
			job.Status = JobStatusFailed
		}
	}
	for _, s := range recovered {
		if job := o.Job(s); job.Status == JobStatusFailed {
			job.Status = JobStatusPending
		}
	}
	o.RefreshJobStatuses()
}
