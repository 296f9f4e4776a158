package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
)

// ResumeState is the side-car manifest of a fragment download. Fragments are
// appended in order, so the last written index plus the byte offset after it
// identify every completed fragment; Skipped lists the holes. Count is the
// number of fragments written or skipped so far.
type ResumeState struct {
	LastIndex int   `json:"fragment_index"`
	Count     int   `json:"fragment_count"`
	Offset    int64 `json:"offset"`
	Skipped   []int `json:"skipped,omitempty"`
}

func ResumeName(tmpname string) string {
	return tmpname + ".json"
}

// Done reports whether index was already written or deliberately skipped.
func (r *ResumeState) Done(index int) bool {
	if r == nil || r.Count == 0 {
		return false
	}
	return index <= r.LastIndex
}

func (r *ResumeState) Record(index int, offset int64) {
	r.LastIndex = index
	r.Offset = offset
	r.Count++
}

func (r *ResumeState) Skip(index int) {
	r.Skipped = append(r.Skipped, index)
	r.LastIndex = index
	r.Count++
}

func (r *ResumeState) Clone() *ResumeState {
	if r == nil {
		return nil
	}
	c := *r
	c.Skipped = slices.Clone(r.Skipped)
	return &c
}

// LoadResume returns nil without error when there is no side-car.
func LoadResume(tmpname string) (*ResumeState, error) {
	data, err := os.ReadFile(ResumeName(tmpname))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read resume state: %w", err)
	}
	var st ResumeState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt resume state %s: %w", ResumeName(tmpname), err)
	}
	return &st, nil
}

// SaveResume writes through a temporary file so a crash never leaves a torn manifest.
func SaveResume(tmpname string, st *ResumeState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	name := ResumeName(tmpname)
	if err := os.WriteFile(name+".tmp", data, 0644); err != nil {
		return fmt.Errorf("write resume state: %w", err)
	}
	if err := os.Rename(name+".tmp", name); err != nil {
		return fmt.Errorf("write resume state: %w", err)
	}
	return nil
}

func RemoveResume(tmpname string) error {
	err := os.Remove(ResumeName(tmpname))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
