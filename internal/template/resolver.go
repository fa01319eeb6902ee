// Package template resolves parent/child relationships for template-derived
// image and venv builds and merges their configurations.
package template

import (
	"context"
	"encoding/json"
	"strings"

	"jobsengine/internal/apperrors"
	"jobsengine/internal/job"
)

// maxDepth bounds template chains. The domain only nests one level today;
// the check walks the chain generally so a raised limit keeps working.
const maxDepth = 1

// Store is the slice of the job store the resolver needs.
type Store interface {
	Get(ctx context.Context, id string) (*job.Job, error)
}

// Resolver validates template references and materializes derived configs.
type Resolver struct {
	store Store
}

// NewResolver creates a resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// ValidateParent checks a submission's parent reference at creation time:
// the parent must exist, be of the same kind, be flagged as a template, and
// sit within the allowed chain depth. Checking depth at creation also rules
// out cycles, since a cycle would exceed any finite depth.
func (r *Resolver) ValidateParent(ctx context.Context, sub *job.Submission) error {
	if sub.ParentID == "" {
		return nil
	}
	if sub.Kind != job.KindImageBuild && sub.Kind != job.KindVenvBuild {
		return apperrors.Validation("parentId", "only image and venv builds may derive from a template")
	}
	parent, err := r.store.Get(ctx, sub.ParentID)
	if err != nil {
		return err
	}
	if parent.Kind != sub.Kind {
		return apperrors.Validation("parentId", "parent template must be of the same kind")
	}
	if !parent.IsTemplate {
		return apperrors.Validation("parentId", "parent job is not a template")
	}
	depth := 1
	for cur := parent; cur.ParentID != ""; depth++ {
		if depth >= maxDepth {
			return apperrors.Validation("parentId", "template chains deeper than one level are not supported")
		}
		cur, err = r.store.Get(ctx, cur.ParentID)
		if err != nil {
			return err
		}
	}
	return nil
}

// Materialize merges the parent template's config into the child's, walking
// up the chain so the nearest ancestor wins last. The child must reference a
// succeeded parent; the pool guarantees that before calling.
func (r *Resolver) Materialize(ctx context.Context, child *job.Job) (json.RawMessage, error) {
	if child.ParentID == "" {
		return child.Config, nil
	}
	// Collect the chain root-first.
	var chain []json.RawMessage
	for id := child.ParentID; id != ""; {
		parent, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append([]json.RawMessage{parent.Config}, chain...)
		id = parent.ParentID
	}

	merged := map[string]any{}
	for _, raw := range chain {
		overlay, err := decode(raw)
		if err != nil {
			return nil, err
		}
		merged = Merge(merged, overlay)
	}
	overlay, err := decode(child.Config)
	if err != nil {
		return nil, err
	}
	merged = Merge(merged, overlay)
	return json.Marshal(merged)
}

// Merge applies the additive-override policy: the union of both maps, with
// child entries replacing parent entries of the same key. List values are
// united entry-wise: a child list entry replaces a parent entry with the
// same name key (the part before "==", "=" or ":"), otherwise it is
// appended. The result is flat, with no duplicate keys.
func Merge(parent, child map[string]any) map[string]any {
	out := make(map[string]any, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, cv := range child {
		pv, ok := out[k]
		if !ok {
			out[k] = cv
			continue
		}
		pl, pok := toStrings(pv)
		cl, cok := toStrings(cv)
		if pok && cok {
			out[k] = mergeLists(pl, cl)
			continue
		}
		out[k] = cv
	}
	return out
}

// mergeLists unions two string lists, parent order first, child entries
// overriding parent entries that share a name key.
func mergeLists(parent, child []string) []string {
	byName := make(map[string]int, len(parent))
	out := make([]string, len(parent))
	copy(out, parent)
	for i, e := range parent {
		byName[nameKey(e)] = i
	}
	for _, e := range child {
		if i, ok := byName[nameKey(e)]; ok {
			out[i] = e
			continue
		}
		byName[nameKey(e)] = len(out)
		out = append(out, e)
	}
	return out
}

// nameKey extracts the identity of a list entry: "numpy==1.26" and
// "numpy==2.0" refer to the same package.
func nameKey(entry string) string {
	for _, sep := range []string{"==", "=", ":"} {
		if i := strings.Index(entry, sep); i > 0 {
			return entry[:i]
		}
	}
	return entry
}

func decode(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperrors.Validation("config", "config payload must be a JSON object")
	}
	return m, nil
}

func toStrings(v any) ([]string, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
