package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"jobagent/internal/job"
	"jobagent/internal/registry"
)

const maxFanout = 100

// FanoutPayload is the payload of a "fanout" job. Each child receives
// Payload unchanged.
type FanoutPayload struct {
	ChildType string          `json:"child_type"`
	Count     int             `json:"count"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// FanoutResult lists the created children in order.
type FanoutResult struct {
	ChildIDs []string `json:"child_ids"`
}

// Fanout creates Count child jobs of ChildType and reports progress as it goes.
func Fanout() registry.Descriptor {
	return registry.NewDescriptor("fanout",
		func(p *FanoutPayload) []string {
			var issues []string
			if p.ChildType == "" {
				issues = append(issues, "child_type is required")
			}
			if p.Count < 1 || p.Count > maxFanout {
				issues = append(issues, fmt.Sprintf("count must be between 1 and %d", maxFanout))
			}
			return issues
		},
		func(ctx context.Context, j *job.Job, p FanoutPayload, ec *job.ExecContext) (any, error) {
			ids := make([]string, 0, p.Count)
			for i := range p.Count {
				id, err := ec.CreateChildJob(ctx, job.ChildSpec{Type: p.ChildType, Payload: p.Payload})
				if err != nil {
					return nil, fmt.Errorf("create child %d of %d: %w", i+1, p.Count, err)
				}
				ids = append(ids, id)
				ec.ReportProgress(ctx, float64(i+1)/float64(p.Count), fmt.Sprintf("created %d/%d", i+1, p.Count))
			}
			ec.Logger.Info("fanout complete", "children", len(ids))
			return FanoutResult{ChildIDs: ids}, nil
		},
	)
}
