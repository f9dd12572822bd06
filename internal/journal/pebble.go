package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/MimeLyc/video-pipeline/internal/jobs"
	"github.com/MimeLyc/video-pipeline/pkg/log"
)

const keyPrefix = "job/"

// Pebble keeps local fallback jobs in a pebble database, one JSON record
// per job keyed by job/<id>.
type Pebble struct {
	db     *pebble.DB
	logger *log.Logger
}

func Open(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open job journal: %w", err)
	}
	return &Pebble{db: db, logger: log.Named("journal")}, nil
}

func (p *Pebble) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func jobKey(id string) []byte {
	return []byte(keyPrefix + id)
}

// Load returns every journaled job. Records that fail to decode are skipped.
func (p *Pebble) Load(_ context.Context) ([]*jobs.Job, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte("job0"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ret []*jobs.Job
	for iter.First(); iter.Valid(); iter.Next() {
		var job jobs.Job
		if err := json.Unmarshal(iter.Value(), &job); err != nil {
			p.logger.Warn("skipping corrupt journal record %s: %v", iter.Key(), err)
			continue
		}
		ret = append(ret, &job)
	}
	return ret, iter.Error()
}

func (p *Pebble) Put(_ context.Context, job *jobs.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	return p.db.Set(jobKey(job.ID), data, pebble.Sync)
}

// Get returns the journaled job or nil when there is none.
func (p *Pebble) Get(_ context.Context, id string) (*jobs.Job, error) {
	data, closer, err := p.db.Get(jobKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()

	var job jobs.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (p *Pebble) Delete(_ context.Context, id string) error {
	return p.db.Delete(jobKey(id), pebble.Sync)
}
