// Package model defines the declarative workflow document (Workflow, Job,
// Step, Branch, Subject) and compiles it into an immutable NodeTree.
package model

import "encoding/json"

// Vars is the JSON-valued environment shared by a Process and its scripts.
type Vars map[string]any

// Clone returns a shallow copy of v. Nested maps/slices are not deep-copied;
// callers that mutate nested structures should replace the top-level key
// instead of mutating in place.
func (v Vars) Clone() Vars {
	if v == nil {
		return Vars{}
	}
	out := make(Vars, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Merge returns a new Vars with delta applied on top of v.
func (v Vars) Merge(delta Vars) Vars {
	out := v.Clone()
	for k, val := range delta {
		out[k] = val
	}
	return out
}

// Matcher selects how candidates resolve into task assignees.
type Matcher string

const (
	// MatchAny assigns one candidate, the first in the list; only that
	// candidate's complete resumes the task.
	MatchAny Matcher = "any"
	// MatchAll requires every candidate to complete independently.
	MatchAll Matcher = "all"
	// MatchOrd assigns candidates in listed order, one at a time.
	MatchOrd Matcher = "ord"
)

// Subject is the human-assignee specification of a Step: a matcher plus a
// candidate expression evaluated against the process environment to produce
// the candidate uid list.
type Subject struct {
	Matcher Matcher `json:"matcher"`
	// Cands is a script expression that evaluates to a JSON array of uids.
	Cands string `json:"cands"`
}

// Branch is a mutually-exclusive conditional continuation of a Step.
type Branch struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	If    string `json:"if"`
	Steps []Step `json:"steps"`
}

// Step is a unit of work within a Job: an optional script body, an optional
// human Subject, and an ordered list of mutually-exclusive Branches.
type Step struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Run      string   `json:"run,omitempty"`
	Subject  *Subject `json:"subject,omitempty"`
	Branches []Branch `json:"branches,omitempty"`
}

// Job is an ordered list of Steps with its own initial environment.
type Job struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Env   Vars   `json:"env,omitempty"`
	Steps []Step `json:"steps"`
}

// Workflow is an identified, versioned workflow definition: an initial
// environment plus an ordered list of Jobs.
type Workflow struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Version int    `json:"version"`
	Env     Vars   `json:"env,omitempty"`
	Jobs    []Job  `json:"jobs"`
}

// String renders the workflow as its canonical JSON document, the form
// persisted as the Model row's Doc (the "doc" column of the SQL backend).
func (w *Workflow) String() (string, error) {
	b, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseWorkflow decodes a workflow document as produced by String.
func ParseWorkflow(doc string) (*Workflow, error) {
	var w Workflow
	if err := json.Unmarshal([]byte(doc), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Job looks up a Job by id.
func (w *Workflow) Job(id string) (*Job, bool) {
	for i := range w.Jobs {
		if w.Jobs[i].ID == id {
			return &w.Jobs[i], true
		}
	}
	return nil, false
}

// Step looks up a Step by id within a Job.
func (j *Job) Step(id string) (*Step, bool) {
	for i := range j.Steps {
		if j.Steps[i].ID == id {
			return &j.Steps[i], true
		}
	}
	return nil, false
}

// --- Builder DSL -----------------------------------------------------------
//
// The builder DSL is out of scope per spec.md §1 ("the builder DSL used to
// construct workflow definitions in-process"); these With* helpers exist only
// because original_source/src/tests.rs and this repo's own tests construct
// workflows programmatically rather than by parsing a serialized document.
// They are a minimal convenience layer, not the external builder surface.

// NewWorkflow constructs an empty Workflow with the given id.
func NewWorkflow(id string) *Workflow {
	return &Workflow{ID: id, Version: 1, Env: Vars{}}
}

// WithName sets the workflow name and returns the receiver for chaining.
func (w *Workflow) WithName(name string) *Workflow {
	w.Name = name
	return w
}

// WithVersion sets the workflow version and returns the receiver for chaining.
func (w *Workflow) WithVersion(v int) *Workflow {
	w.Version = v
	return w
}

// WithJob appends a Job built by fn and returns the receiver for chaining.
func (w *Workflow) WithJob(fn func(*Job)) *Workflow {
	j := Job{ID: autoID("job", len(w.Jobs)), Env: Vars{}}
	fn(&j)
	w.Jobs = append(w.Jobs, j)
	return w
}

// WithID sets the job id and returns the receiver for chaining.
func (j *Job) WithID(id string) *Job {
	j.ID = id
	return j
}

// WithNameJob sets the job name and returns the receiver for chaining.
func (j *Job) WithNameJob(name string) *Job {
	j.Name = name
	return j
}

// WithEnv sets a key in the job's initial environment and returns the
// receiver for chaining.
func (j *Job) WithEnv(key string, val any) *Job {
	if j.Env == nil {
		j.Env = Vars{}
	}
	j.Env[key] = val
	return j
}

// WithStep appends a Step built by fn and returns the receiver for chaining.
func (j *Job) WithStep(fn func(*Step)) *Job {
	s := Step{ID: autoID("step", len(j.Steps))}
	fn(&s)
	j.Steps = append(j.Steps, s)
	return j
}

// WithIDStep sets the step id and returns the receiver for chaining.
func (s *Step) WithIDStep(id string) *Step {
	s.ID = id
	return s
}

// WithNameStep sets the step name and returns the receiver for chaining.
func (s *Step) WithNameStep(name string) *Step {
	s.Name = name
	return s
}

// WithRun sets the step's script body and returns the receiver for chaining.
func (s *Step) WithRun(run string) *Step {
	s.Run = run
	return s
}

// WithSubject attaches a Subject built by fn and returns the receiver for
// chaining.
func (s *Step) WithSubject(fn func(*Subject)) *Step {
	sub := Subject{Matcher: MatchAny}
	fn(&sub)
	s.Subject = &sub
	return s
}

// WithMatcher sets the subject matcher and returns the receiver for chaining.
func (s *Subject) WithMatcher(m Matcher) *Subject {
	s.Matcher = m
	return s
}

// WithCands sets the subject's candidate expression and returns the receiver
// for chaining.
func (s *Subject) WithCands(expr string) *Subject {
	s.Cands = expr
	return s
}

// WithBranch appends a Branch built by fn and returns the receiver for
// chaining.
func (s *Step) WithBranch(fn func(*Branch)) *Step {
	b := Branch{ID: autoID("branch", len(s.Branches))}
	fn(&b)
	s.Branches = append(s.Branches, b)
	return s
}

// WithIf sets the branch predicate and returns the receiver for chaining.
func (b *Branch) WithIf(expr string) *Branch {
	b.If = expr
	return b
}

// WithStepBranch appends a Step built by fn to the branch and returns the
// receiver for chaining.
func (b *Branch) WithStepBranch(fn func(*Step)) *Branch {
	s := Step{ID: autoID("step", len(b.Steps))}
	fn(&s)
	b.Steps = append(b.Steps, s)
	return b
}

func autoID(prefix string, n int) string {
	const digits = "0123456789"
	idx := n + 1
	buf := []byte{}
	for idx > 0 {
		buf = append([]byte{digits[idx%10]}, buf...)
		idx /= 10
	}
	return prefix + string(buf)
}
