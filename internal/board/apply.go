package board

import (
	"errors"
	"fmt"
	"strings"
)

var errPlanInconsistent = errors.New("board: patch does not match current state")

// ChangeSet lists the object identifiers a committed patch touched.
type ChangeSet struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
	Deleted []string `json:"deleted"`
}

type patchPlan struct {
	deletes []string
	updates []Object
	creates []Object
	objects map[string]Object
	changes ChangeSet
}

// planPatch applies deletes, then updates, then creates to a copy of current.
// Updates therefore only reach objects that existed before the patch, and a create may
// reuse an id freed by a delete in the same patch.
func planPatch(current map[string]Object, patch Patch) (patchPlan, error) {
	working := make(map[string]Object, len(current)+len(patch.Creates))
	for id, object := range current {
		working[id] = object
	}
	plan := patchPlan{
		changes: ChangeSet{Created: []string{}, Updated: []string{}, Deleted: []string{}},
	}

	for _, rawID := range patch.Deletes {
		id := strings.TrimSpace(rawID)
		if _, ok := working[id]; !ok {
			if containsString(plan.deletes, id) {
				continue
			}
			return patchPlan{}, fmt.Errorf("%w: delete target %q missing", errPlanInconsistent, id)
		}
		delete(working, id)
		plan.deletes = append(plan.deletes, id)
	}

	updatedIndex := make(map[string]int, len(patch.Updates))
	for _, update := range patch.Updates {
		id := strings.TrimSpace(update.ID)
		existing, ok := working[id]
		if !ok {
			return patchPlan{}, fmt.Errorf("%w: update target %q missing", errPlanInconsistent, id)
		}
		merged, err := ApplyDiff(existing, update.Diff)
		if err != nil {
			return patchPlan{}, err
		}
		normalizeObject(merged)
		working[id] = merged
		if index, seen := updatedIndex[id]; seen {
			plan.updates[index] = merged
			continue
		}
		updatedIndex[id] = len(plan.updates)
		plan.updates = append(plan.updates, merged)
	}

	for _, fields := range patch.Creates {
		object, err := DecodeObject(fields)
		if err != nil {
			return patchPlan{}, err
		}
		id := object.ObjectID()
		if _, exists := working[id]; exists {
			return patchPlan{}, fmt.Errorf("%w: create target %q exists", errPlanInconsistent, id)
		}
		normalizeObject(object)
		working[id] = object
		plan.creates = append(plan.creates, object)
	}

	plan.objects = working
	plan.changes.Deleted = append(plan.changes.Deleted, plan.deletes...)
	for _, object := range plan.updates {
		plan.changes.Updated = append(plan.changes.Updated, object.ObjectID())
	}
	for _, object := range plan.creates {
		plan.changes.Created = append(plan.changes.Created, object.ObjectID())
	}
	return plan, nil
}

func summarizeChanges(changes ChangeSet) string {
	return fmt.Sprintf("%d created, %d updated, %d deleted", len(changes.Created), len(changes.Updated), len(changes.Deleted))
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
