package board

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var hexColorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

var validArrowMarkers = map[string]bool{
	"":      true,
	"none":  true,
	"start": true,
	"end":   true,
	"both":  true,
}

// ValidatePatch checks a patch against the current objects of a board.
// Structural findings come first, then style, then referential and geometry findings.
// It performs no I/O and never mutates current.
func ValidatePatch(patch Patch, current map[string]Object) []Issue {
	validation := patchValidation{
		patch:      patch,
		current:    current,
		deleted:    make(map[string]bool, len(patch.Deletes)),
		created:    make(map[string]Object, len(patch.Creates)),
		createdRaw: make(map[string]Fields, len(patch.Creates)),
		updated:    make(map[string]Object, len(patch.Updates)),
	}
	validation.checkStructure()
	validation.checkStyle()
	validation.checkReferences()

	issues := make([]Issue, 0, len(validation.structural)+len(validation.style)+len(validation.referential))
	issues = append(issues, validation.structural...)
	issues = append(issues, validation.style...)
	issues = append(issues, validation.referential...)
	return issues
}

type patchValidation struct {
	patch   Patch
	current map[string]Object

	deleted      map[string]bool
	created      map[string]Object
	createdRaw   map[string]Fields
	createdOrder []string
	updated      map[string]Object
	updatedOrder []string

	structural  []Issue
	style       []Issue
	referential []Issue
}

func (v *patchValidation) checkStructure() {
	for _, rawID := range v.patch.Deletes {
		id := strings.TrimSpace(rawID)
		switch {
		case id == "":
			v.structural = append(v.structural, errorIssue("", "delete id is empty"))
		case v.deleted[id]:
			v.referential = append(v.referential, warningIssue(id, fmt.Sprintf("object %q is deleted more than once", id)))
		case v.current[id] == nil:
			v.structural = append(v.structural, errorIssue(id, fmt.Sprintf("object %q not found", id)))
		default:
			v.deleted[id] = true
		}
	}

	for _, update := range v.patch.Updates {
		v.checkUpdate(update)
	}

	seenCreates := make(map[string]bool, len(v.patch.Creates))
	for index, fields := range v.patch.Creates {
		v.checkCreate(index, fields, seenCreates)
	}
}

func (v *patchValidation) checkUpdate(update Update) {
	id := strings.TrimSpace(update.ID)
	if id == "" {
		v.structural = append(v.structural, errorIssue("", "update id is empty"))
		return
	}
	existing := v.current[id]
	if existing == nil {
		v.structural = append(v.structural, errorIssue(id, fmt.Sprintf("object %q not found", id)))
		return
	}
	if v.deleted[id] {
		v.structural = append(v.structural, errorIssue(id, fmt.Sprintf("object %q is deleted in the same patch", id)))
		return
	}
	if len(update.Diff) == 0 {
		v.structural = append(v.structural, errorIssue(id, fmt.Sprintf("update for %q has an empty diff", id)))
		return
	}
	if value, present := update.Diff.String(fieldID); update.Diff.Has(fieldID) && (!present || value != id) {
		v.structural = append(v.structural, errorIssue(id, fmt.Sprintf("update for %q cannot change id", id)))
		return
	}
	if value, present := update.Diff.String(fieldKind); update.Diff.Has(fieldKind) && (!present || Kind(value) != existing.ObjectKind()) {
		v.structural = append(v.structural, errorIssue(id, fmt.Sprintf("update for %q cannot change kind", id)))
		return
	}

	base := existing
	if previous, ok := v.updated[id]; ok {
		base = previous
	}
	merged, err := ApplyDiff(base, update.Diff)
	if err != nil {
		v.structural = append(v.structural, errorIssue(id, fmt.Sprintf("invalid diff for %q: %v", id, err)))
		return
	}
	if _, ok := v.updated[id]; !ok {
		v.updatedOrder = append(v.updatedOrder, id)
	}
	v.updated[id] = merged
}

func (v *patchValidation) checkCreate(index int, fields Fields, seen map[string]bool) {
	id, hasID := fields.String(fieldID)
	_, hasKind := fields.String(fieldKind)
	if !hasID {
		v.structural = append(v.structural, errorIssue("", fmt.Sprintf("create #%d is missing id", index)))
	}
	if !hasKind {
		v.structural = append(v.structural, errorIssue(id, fmt.Sprintf("create #%d is missing kind", index)))
	}
	if !hasID || !hasKind {
		return
	}
	if seen[id] {
		v.structural = append(v.structural, errorIssue(id, fmt.Sprintf("duplicate create id %q", id)))
		return
	}
	seen[id] = true
	if v.current[id] != nil && !v.deleted[id] {
		v.structural = append(v.structural, errorIssue(id, fmt.Sprintf("object %q already exists", id)))
		return
	}
	object, err := DecodeObject(fields)
	if err != nil {
		v.structural = append(v.structural, errorIssue(id, fmt.Sprintf("invalid create %q: %v", id, err)))
		return
	}
	v.created[id] = object
	v.createdRaw[id] = fields
	v.createdOrder = append(v.createdOrder, id)
}

func (v *patchValidation) checkStyle() {
	for _, id := range v.createdOrder {
		v.checkColorFields(id, v.createdRaw[id])
	}
	for _, update := range v.patch.Updates {
		id := strings.TrimSpace(update.ID)
		if _, ok := v.updated[id]; !ok {
			continue
		}
		v.checkColorFields(id, update.Diff)
	}
}

// checkColorFields inspects the raw payload; non-string colors are dropped by the decoder.
func (v *patchValidation) checkColorFields(id string, fields Fields) {
	for _, key := range []string{fieldFill, fieldStroke} {
		raw, ok := fields[key]
		if !ok || isJSONNull(raw) {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			v.style = append(v.style, warningIssue(id, fmt.Sprintf("%s on %q is not a color string", key, id)))
			continue
		}
		v.checkColor(id, key, &value)
	}
}

func (v *patchValidation) checkColor(id, key string, value *string) {
	if value == nil {
		return
	}
	if !hexColorPattern.MatchString(*value) {
		v.style = append(v.style, warningIssue(id, fmt.Sprintf("%s %q on %q is not a #RGB or #RRGGBB color", key, *value, id)))
	}
}

func (v *patchValidation) checkReferences() {
	surviving := func(id string) bool {
		if _, ok := v.created[id]; ok {
			return true
		}
		return v.current[id] != nil && !v.deleted[id]
	}

	touched := make([]Object, 0, len(v.updatedOrder)+len(v.createdOrder))
	for _, id := range v.updatedOrder {
		touched = append(touched, v.updated[id])
	}
	for _, id := range v.createdOrder {
		touched = append(touched, v.created[id])
	}

	for _, object := range touched {
		id := object.ObjectID()
		if text, ok := object.(*Text); ok {
			container := text.Metadata.ContainerID
			if container != "" && !surviving(container) {
				v.referential = append(v.referential, warningIssue(id, fmt.Sprintf("container %q for text %q not found", container, id)))
			}
		}
		v.referential = append(v.referential, geometryIssues(object)...)
	}

	if len(v.deleted) == 0 {
		return
	}
	untouched := make([]string, 0, len(v.current))
	for id := range v.current {
		if v.deleted[id] {
			continue
		}
		if _, ok := v.updated[id]; ok {
			continue
		}
		if _, ok := v.created[id]; ok {
			continue
		}
		untouched = append(untouched, id)
	}
	sort.Strings(untouched)
	for _, id := range untouched {
		text, ok := v.current[id].(*Text)
		if !ok {
			continue
		}
		container := text.Metadata.ContainerID
		if container != "" && v.deleted[container] && !surviving(container) {
			v.referential = append(v.referential, warningIssue(container, fmt.Sprintf("deleted object %q is still the container of text %q", container, id)))
		}
	}
}

func geometryIssues(object Object) []Issue {
	id := object.ObjectID()
	var issues []Issue
	if width := object.Base().StrokeWidth; width != nil && *width < 0 {
		issues = append(issues, warningIssue(id, fmt.Sprintf("%s %q has a negative stroke width", object.ObjectKind(), id)))
	}
	switch typed := object.(type) {
	case *Rect:
		if typed.Width < 0 || typed.Height < 0 {
			issues = append(issues, warningIssue(id, fmt.Sprintf("rect %q has negative dimensions", id)))
		}
	case *Ellipse:
		if typed.RX < 0 || typed.RY < 0 {
			issues = append(issues, warningIssue(id, fmt.Sprintf("ellipse %q has negative radii", id)))
		}
	case *Line:
		if len(typed.Points)%2 != 0 {
			issues = append(issues, warningIssue(id, fmt.Sprintf("line %q has an odd number of coordinates", id)))
		} else if len(typed.Points) < 4 {
			issues = append(issues, warningIssue(id, fmt.Sprintf("line %q needs at least two points", id)))
		}
		if !validArrowMarkers[typed.Arrow] {
			issues = append(issues, warningIssue(id, fmt.Sprintf("line %q has unknown arrow marker %q", id, typed.Arrow)))
		}
	case *Path:
		if strings.TrimSpace(typed.D) == "" {
			issues = append(issues, warningIssue(id, fmt.Sprintf("path %q has empty path data", id)))
		}
	}
	return issues
}
