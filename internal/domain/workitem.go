package domain

import (
	"fmt"
	"strings"
)

// WorkItem is a reusable description of work. Kind names the registered
// implementation that runs it; Data is template data handed to every fire.
type WorkItem struct {
	Key         Key
	Kind        string
	Description string
	// Durable items survive when their last trigger is removed.
	Durable bool
	// DisallowConcurrent limits the item to one running execution across all its triggers.
	DisallowConcurrent bool
	Data               DataMap
}

func (w *WorkItem) Validate() error {
	if err := w.Key.Validate(); err != nil {
		return fmt.Errorf("work item key: %w", err)
	}
	if strings.TrimSpace(w.Kind) == "" {
		return fmt.Errorf("work item %s: kind required", w.Key)
	}
	return nil
}

func (w WorkItem) Clone() WorkItem {
	cp := w
	cp.Data = w.Data.Clone()
	return cp
}

// DataMap is the string-keyed data bag carried by work items and triggers.
// Values are strings so every store can persist them without loss.
type DataMap map[string]string

func (m DataMap) Clone() DataMap {
	if m == nil {
		return nil
	}
	cp := make(DataMap, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Merge overlays top on m; keys in top win. Neither input is modified.
func (m DataMap) Merge(top DataMap) DataMap {
	out := make(DataMap, len(m)+len(top))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}
