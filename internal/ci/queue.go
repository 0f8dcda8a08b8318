package ci

import (
	"crypto/rand"
	"sort"
	"time"

	"github.com/jxskiss/base62"
)

// Candidate is a pending job considered for a runner.
type Candidate struct {
	JobID     int64
	ProjectID int64
	QueuedAt  time.Time
}

// FairOrder orders candidates for an instance runner: projects with fewer jobs already running
// on instance runners go first, then oldest job first.
func FairOrder(candidates []Candidate, runningByProject map[int64]int) {
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := runningByProject[candidates[i].ProjectID], runningByProject[candidates[j].ProjectID]
		if ri != rj {
			return ri < rj
		}
		return candidates[i].JobID < candidates[j].JobID
	})
}

// FIFOOrder orders candidates oldest job first.
func FIFOOrder(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].JobID < candidates[j].JobID
	})
}

// OldEnough reports whether a job queued at queuedAt satisfies a job_age filter of minAge
// seconds at time now. A zero minAge accepts every job.
func OldEnough(queuedAt, now time.Time, minAge int) bool {
	if minAge <= 0 {
		return true
	}
	return now.Sub(queuedAt) >= time.Duration(minAge)*time.Second
}

// NewToken returns a random URL-safe token with the given prefix.
func NewToken(prefix string) (string, error) {
	b := make([]byte, 15)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + base62.EncodeToString(b), nil
}
