package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mobileproxy/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrQueueFull        = errors.New("rotation queue full")
	ErrDispatcherClosed = errors.New("rotation dispatcher closed")
)

// JobDispatcher runs IP rotations asynchronously. A job rotates one device
// and then re-reads the IP of each of its connections. Jobs for the same
// device never overlap with each other or with controller operations on it.
type JobDispatcher struct {
	ctx        context.Context
	controller *Controller
	sequencer  *RotationSequencer
	events     Broadcaster

	queue  chan string
	jobs   map[string]*models.Job
	mu     sync.RWMutex
	wg     sync.WaitGroup
	closed bool
}

// NewJobDispatcher starts workers that run until ctx is cancelled or Close
// is called. Cancelling ctx interrupts in-flight rotations, which then end
// as indeterminate.
func NewJobDispatcher(ctx context.Context, controller *Controller, sequencer *RotationSequencer, events Broadcaster, workers, queueSize int) *JobDispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}
	d := &JobDispatcher{
		ctx:        ctx,
		controller: controller,
		sequencer:  sequencer,
		events:     orNoop(events),
		queue:      make(chan string, queueSize),
		jobs:       make(map[string]*models.Job),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.ProcessJobQueue()
	}
	return d
}

// Submit queues a rotation of serial and returns the pending job.
func (d *JobDispatcher) Submit(ctx context.Context, serial string) (*models.Job, error) {
	if _, err := d.controller.registry.GetDevice(ctx, serial); err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:        uuid.NewString(),
		Serial:    serial,
		Status:    models.JobPending,
		CreatedAt: time.Now(),
	}

	d.mu.Lock()
	if d.closed || d.ctx.Err() != nil {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	select {
	case d.queue <- job.ID:
		d.jobs[job.ID] = job
	default:
		d.mu.Unlock()
		return nil, ErrQueueFull
	}
	d.mu.Unlock()

	log.WithFields(log.Fields{"job_id": job.ID, "serial": serial}).Info("rotation queued")
	d.publish(job)
	snapshot, _ := d.Get(job.ID)
	return snapshot, nil
}

// Get returns a copy of the job.
func (d *JobDispatcher) Get(id string) (*models.Job, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	job, ok := d.jobs[id]
	if !ok {
		return nil, false
	}
	return copyJob(job), true
}

// List returns copies of all jobs, oldest first.
func (d *JobDispatcher) List() []*models.Job {
	d.mu.RLock()
	jobs := make([]*models.Job, 0, len(d.jobs))
	for _, job := range d.jobs {
		jobs = append(jobs, copyJob(job))
	}
	d.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs
}

func copyJob(job *models.Job) *models.Job {
	c := *job
	c.IPs = append([]models.OpResult(nil), job.IPs...)
	if job.Rotation != nil {
		r := *job.Rotation
		c.Rotation = &r
	}
	return &c
}

// ProcessJobQueue processes jobs from the queue
func (d *JobDispatcher) ProcessJobQueue() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			d.drain()
			return
		case id, ok := <-d.queue:
			if !ok {
				return
			}
			d.run(id)
		}
	}
}

// drain fails every job still queued once the dispatcher is shutting down.
func (d *JobDispatcher) drain() {
	for {
		select {
		case id, ok := <-d.queue:
			if !ok {
				return
			}
			d.finish(id, models.JobFailed, "dispatcher stopped before the rotation ran")
		default:
			return
		}
	}
}

func (d *JobDispatcher) run(id string) {
	d.mu.Lock()
	job := d.jobs[id]
	job.Status = models.JobRunning
	serial := job.Serial
	d.mu.Unlock()
	d.publish(job)

	unlock := d.controller.locks.lock(serial)
	rotation, err := d.sequencer.Rotate(d.ctx, serial)
	unlock()

	d.mu.Lock()
	job.Rotation = &rotation
	d.mu.Unlock()

	switch {
	case errors.Is(err, ErrIndeterminateRadioState):
		d.finish(id, models.JobIndeterminate, err.Error())
		return
	case err != nil:
		d.finish(id, models.JobFailed, err.Error())
		return
	}

	ips, err := d.refreshIPs(serial)
	d.mu.Lock()
	job.IPs = ips
	d.mu.Unlock()
	if err != nil {
		d.finish(id, models.JobFailed, fmt.Sprintf("rotated but ip refresh failed: %v", err))
		return
	}
	d.finish(id, models.JobDone, "")
}

// refreshIPs records the post-rotation address on each of serial's connections.
func (d *JobDispatcher) refreshIPs(serial string) ([]models.OpResult, error) {
	connections, err := d.controller.ListConnections(d.ctx, serial)
	if err != nil {
		return nil, err
	}

	results := make([]models.OpResult, 0, len(connections))
	for _, conn := range connections {
		res := models.OpResult{ConnectionID: conn.ID, DeviceSerial: serial, LocalPort: conn.LocalPort}
		ip, found, err := d.controller.CheckIP(d.ctx, conn.ID)
		switch {
		case err != nil:
			res.Error = err.Error()
		case !found:
			res.Error = "device reported no ip address"
		default:
			res.Success = true
			res.IP = ip
		}
		results = append(results, res)
	}
	return results, nil
}

func (d *JobDispatcher) finish(id string, status models.JobStatus, errMsg string) {
	now := time.Now()
	d.mu.Lock()
	job := d.jobs[id]
	job.Status = status
	job.Error = errMsg
	job.FinishedAt = &now
	d.mu.Unlock()

	entry := log.WithFields(log.Fields{"job_id": id, "serial": job.Serial, "status": status})
	if errMsg != "" {
		entry.WithField("error", errMsg).Warn("rotation job finished")
	} else {
		entry.Info("rotation job finished")
	}
	d.publish(job)
}

func (d *JobDispatcher) publish(job *models.Job) {
	d.mu.RLock()
	ev := models.NewEvent(models.EventJobUpdate, job.Serial)
	ev.JobID = job.ID
	ev.JobStatus = job.Status
	ev.Message = job.Error
	d.mu.RUnlock()
	d.events.BroadcastToDevice(ev.Serial, ev)
}

// Close stops accepting jobs and waits for the workers to drain the queue.
func (d *JobDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.drain()
}
