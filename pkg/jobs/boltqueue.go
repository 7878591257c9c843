package jobs

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketJobs = []byte("jobs")

// BoltQueue implements Queue on BoltDB.
type BoltQueue struct {
	db *bolt.DB
}

// NewBoltQueue opens (or creates) the job queue database in dataDir.
func NewBoltQueue(dataDir string) (*BoltQueue, error) {
	dbPath := filepath.Join(dataDir, "jobs.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open job queue: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJobs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltQueue{db: db}, nil
}

// Close closes the queue database.
func (q *BoltQueue) Close() error {
	return q.db.Close()
}

func (q *BoltQueue) Enqueue(machineID, username, org string, data Data, opts Options) (*Job, error) {
	job := &Job{
		ID:        uuid.NewString(),
		MachineID: machineID,
		Org:       org,
		Username:  username,
		Data:      data,
		Options:   opts,
		State:     StateQueued,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		encoded, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), encoded)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job, nil
}

func (q *BoltQueue) GetJob(id string) (*Job, error) {
	var job Job
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *BoltQueue) IterateJobsByOrg(org string, fn func(*Job) bool) error {
	return q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Org != org {
				continue
			}
			if !fn(&job) {
				return nil
			}
		}
		return nil
	})
}

func (q *BoltQueue) ListByState(states ...State) ([]*Job, error) {
	wanted := make(map[State]struct{}, len(states))
	for _, s := range states {
		wanted[s] = struct{}{}
	}

	var jobs []*Job
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if _, ok := wanted[job.State]; ok {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, err
}

func (q *BoltQueue) Update(job *Job) error {
	job.UpdatedAt = time.Now()
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(job.ID)) == nil {
			return fmt.Errorf("job not found: %s", job.ID)
		}
		encoded, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), encoded)
	})
}

func (q *BoltQueue) Delete(id string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.Delete([]byte(id))
	})
}
