package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func artifactsFor(slot, n int) []Artifact {
	out := make([]Artifact, n)
	for i := range out {
		out[i] = Artifact{URL: fmt.Sprintf("https://cdn/%d/%d.png", slot, i), SlotIndex: slot}
	}
	return out
}

func TestOrder_AddArtifacts_UnionByURL(t *testing.T) {
	o := NewOrder("o", PlanBasic, "m", Brief{}, created)

	assert.Equal(t, 2, o.AddArtifacts(artifactsFor(0, 2)))
	assert.Equal(t, 0, o.AddArtifacts(artifactsFor(0, 2)))
	assert.Equal(t, 1, o.AddArtifacts(artifactsFor(0, 3)))
	assert.Len(t, o.Artifacts, 3)
}

func TestOrder_CountsIgnoreOverDelivery(t *testing.T) {
	o := NewOrder("o", PlanBasic, "m", Brief{}, created)
	o.AddArtifacts(artifactsFor(0, 14))

	assert.Len(t, o.Artifacts, 14)
	assert.Equal(t, 10, o.CountedArtifacts())
	assert.Len(t, o.DisplayArtifacts(), 10)
	assert.True(t, o.MeetsTarget())
}

func TestOrder_Transition(t *testing.T) {
	tests := []struct {
		name      string
		from      OrderStatus
		to        OrderStatus
		artifacts int
		want      bool
	}{
		{name: "ongoing to partial", from: OrderStatusOngoing, to: OrderStatusPartial, want: true},
		{name: "partial to complete at target", from: OrderStatusPartial, to: OrderStatusComplete, artifacts: 10, want: true},
		{name: "complete needs target", from: OrderStatusPartial, to: OrderStatusComplete, artifacts: 9, want: false},
		{name: "partial never back to ongoing", from: OrderStatusPartial, to: OrderStatusOngoing, want: false},
		{name: "complete is terminal", from: OrderStatusComplete, to: OrderStatusPartial, artifacts: 10, want: false},
		{name: "complete never fails", from: OrderStatusComplete, to: OrderStatusFailed, artifacts: 10, want: false},
		{name: "failed is terminal", from: OrderStatusFailed, to: OrderStatusComplete, artifacts: 10, want: false},
		{name: "partial to failed", from: OrderStatusPartial, to: OrderStatusFailed, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOrder("o", PlanBasic, "m", Brief{}, created)
			o.Status = tt.from
			o.AddArtifacts(artifactsFor(0, tt.artifacts))

			assert.Equal(t, tt.want, o.Transition(tt.to))
			if tt.want {
				assert.Equal(t, tt.to, o.Status)
			} else {
				assert.Equal(t, tt.from, o.Status)
			}
		})
	}
}

func TestOrder_EvaluateCompletion(t *testing.T) {
	o := NewOrder("o", PlanProfessional, "m", Brief{}, created)

	assert.False(t, o.EvaluateCompletion())
	assert.Equal(t, OrderStatusOngoing, o.Status)

	o.AddArtifacts(artifactsFor(0, 10))
	assert.True(t, o.EvaluateCompletion())
	assert.Equal(t, OrderStatusPartial, o.Status)

	for slot := 1; slot < 10; slot++ {
		o.AddArtifacts(artifactsFor(slot, 10))
	}
	assert.True(t, o.EvaluateCompletion())
	assert.Equal(t, OrderStatusComplete, o.Status)
}

func TestOrder_TriggerBackup_Once(t *testing.T) {
	o := NewOrder("o", PlanProfessional, "m", Brief{}, created)
	o.AddArtifacts(artifactsFor(0, 10))
	o.AddArtifacts(artifactsFor(1, 4))
	o.EvaluateCompletion()

	_, ok := o.TriggerBackup(created.Add(5*time.Minute), 10*time.Minute)
	assert.False(t, ok, "before threshold")

	slots, ok := o.TriggerBackup(created.Add(11*time.Minute), 10*time.Minute)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, slots)
	assert.True(t, o.BackupTriggered)
	assert.True(t, o.BackupSweepScheduled)

	_, ok = o.TriggerBackup(created.Add(20*time.Minute), 10*time.Minute)
	assert.False(t, ok, "second trigger")
}

func TestOrder_TriggerBackup_ArmsSweepAfterNearCompletionSweep(t *testing.T) {
	o := NewOrder("o", PlanProfessional, "m", Brief{}, created)
	o.AddArtifacts(artifactsFor(0, 10))
	o.EvaluateCompletion()
	require.True(t, o.ArmSweep())

	_, ok := o.TriggerBackup(created.Add(11*time.Minute), 10*time.Minute)
	require.True(t, ok)
	assert.True(t, o.BackupSweepScheduled)
	assert.False(t, o.ArmSweep(), "near-completion sweep stays one-shot")
}

func TestOrder_TriggerBackup_OnlyWhenPartial(t *testing.T) {
	o := NewOrder("o", PlanBasic, "m", Brief{}, created)

	_, ok := o.TriggerBackup(created.Add(time.Hour), time.Minute)
	assert.False(t, ok)
	assert.False(t, o.BackupTriggered)
	assert.False(t, o.BackupSweepScheduled)
}

func TestOrder_NearCompletionAndArmSweep(t *testing.T) {
	o := NewOrder("o", PlanBasic, "m", Brief{}, created)
	for slot := 0; slot < 8; slot++ {
		o.AddContributor(ContributorKey(slot, ""))
	}
	assert.False(t, o.NearCompletion(0.9))

	o.AddContributor(ContributorKey(8, ""))
	assert.True(t, o.NearCompletion(0.9))

	assert.True(t, o.ArmSweep())
	assert.False(t, o.ArmSweep())
}

func TestContributorKey(t *testing.T) {
	assert.Equal(t, "slot:3", ContributorKey(3, "abc"))
	assert.Equal(t, "job:abc", ContributorKey(UnknownSlot, "abc"))
}

func TestOrder_RecordExternalJob_RekeysSlotlessContributor(t *testing.T) {
	o := NewOrder("o", PlanBasic, "m", Brief{}, created)
	o.AddArtifacts([]Artifact{{URL: "https://cdn/x.png", SlotIndex: UnknownSlot, ExternalJobID: "X"}})
	o.AddContributor(ContributorKey(UnknownSlot, "X"))
	o.AddContributor(ContributorKey(4, "Y"))
	o.AddContributor(ContributorKey(UnknownSlot, "Z"))

	assert.True(t, o.RecordExternalJob(4, "X"))
	assert.Equal(t, []string{"slot:4", "job:Z"}, o.Contributors)
	assert.Equal(t, 4, o.Artifacts[0].SlotIndex)
	assert.Equal(t, 1, o.SlotArtifactCount(4))

	slot, ok := o.SlotForJob("X")
	require.True(t, ok)
	assert.Equal(t, 4, slot)

	assert.False(t, o.RecordExternalJob(4, "X"), "already bound")

	assert.True(t, o.RecordExternalJob(7, "Z"))
	assert.Equal(t, []string{"slot:4", "slot:7"}, o.Contributors)
}

func TestOrder_SetFailedSlots(t *testing.T) {
	o := NewOrder("o", PlanBasic, "m", Brief{}, created)
	o.RecordExternalJob(1, "ext-1")

	o.SetFailedSlots([]int{4, 2}, nil)
	assert.Equal(t, []int{2, 4}, o.FailedSlots)
	assert.Equal(t, JobStatusFailed, o.Job(4).Status)

	o.RecordExternalJob(4, "ext-4")
	o.SetFailedSlots(nil, []int{4})
	assert.Equal(t, []int{2}, o.FailedSlots)
	assert.Equal(t, JobStatusPending, o.Job(4).Status)
}

func TestOrder_CloneIsDeep(t *testing.T) {
	o := NewOrder("o", PlanBasic, "m", Brief{Styles: []Style{{Clothing: "a"}}}, created)
	o.RecordExternalJob(0, "ext-0")
	o.AddArtifacts(artifactsFor(0, 1))

	c := o.Clone()
	c.Jobs[0].ExternalJobIDs[0] = "changed"
	c.Brief.Styles[0].Clothing = "b"
	c.AddArtifacts(artifactsFor(1, 1))

	assert.Equal(t, "ext-0", o.Jobs[0].ExternalJobIDs[0])
	assert.Equal(t, "a", o.Brief.Styles[0].Clothing)
	assert.Len(t, o.Artifacts, 1)
}

func TestOrder_SlotForJob(t *testing.T) {
	o := NewOrder("o", PlanBasic, "m", Brief{}, created)
	o.RecordExternalJob(7, "ext-7")
	o.RecordExternalJob(2, "ext-2")

	slot, ok := o.SlotForJob("ext-7")
	assert.True(t, ok)
	assert.Equal(t, 7, slot)

	slot, ok = o.SlotForJob("nope")
	assert.False(t, ok)
	assert.Equal(t, UnknownSlot, slot)

	assert.Equal(t, 2, o.Jobs[0].SlotIndex)
}
