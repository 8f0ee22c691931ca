package drain

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Run is the history record of one drain.
type Run struct {
	ID          string    `json:"id"`
	Started     time.Time `json:"started"`
	Ended       time.Time `json:"ended"`
	Samples     int       `json:"samples"`
	File        string    `json:"file,omitempty"`
	Outcome     string    `json:"outcome"`
	FinalWeight float64   `json:"final_weight"`
}

func (o *Orchestrator) storeRun(r *Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return o.store.Create(RunsBucket, func(_ string) interface{} {
		return r
	})
}

// Runs lists the stored drains, oldest first.
func (o *Orchestrator) Runs() ([]Run, error) {
	return ListRuns(o.store)
}

// ListRuns reads the drain history from s.
func ListRuns(s interface {
	List(bucket string, fn func(id string, v []byte) error) error
}) ([]Run, error) {
	runs := []Run{}
	err := s.List(RunsBucket, func(_ string, v []byte) error {
		var r Run
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		runs = append(runs, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].Started.Before(runs[j].Started) })
	return runs, nil
}
