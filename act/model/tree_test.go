package model

import "testing"

func simpleWorkflow() *Workflow {
	return NewWorkflow("w1").WithJob(func(j *Job) {
		j.WithID("j1").WithStep(func(s *Step) {
			s.WithIDStep("s1").WithRun("noop")
		})
	})
}

func TestBuildSingleStep(t *testing.T) {
	tree := Build(simpleWorkflow())
	if tree.Err() != nil {
		t.Fatalf("unexpected build error: %v", tree.Err())
	}

	root := tree.Root()
	if root.Data.Kind != KindWorkflow {
		t.Fatalf("expected root kind workflow, got %v", root.Data.Kind)
	}

	job, ok := tree.Node("j1")
	if !ok || job.Data.Kind != KindJob {
		t.Fatalf("expected job node j1")
	}
	if job.Level != 1 {
		t.Fatalf("expected job level 1, got %d", job.Level)
	}

	step, ok := tree.Node("s1")
	if !ok || step.Data.Kind != KindStep {
		t.Fatalf("expected step node s1")
	}
	parent, ok := tree.Parent(step)
	if !ok || parent.ID() != "j1" {
		t.Fatalf("expected s1's parent to be j1")
	}
	if _, ok := tree.Next(step); ok {
		t.Fatalf("expected s1 to have no next sibling")
	}
}

func TestBuildSiblingOrdering(t *testing.T) {
	w := NewWorkflow("w2").WithJob(func(j *Job) {
		j.WithID("j1").
			WithStep(func(s *Step) { s.WithIDStep("s1") }).
			WithStep(func(s *Step) { s.WithIDStep("s2") })
	})
	tree := Build(w)
	if tree.Err() != nil {
		t.Fatalf("unexpected build error: %v", tree.Err())
	}

	s1, _ := tree.Node("s1")
	next, ok := tree.Next(s1)
	if !ok || next.ID() != "s2" {
		t.Fatalf("expected s1.next == s2")
	}
}

func TestBuildBranchesAreChildrenNotSiblings(t *testing.T) {
	w := NewWorkflow("w3").WithJob(func(j *Job) {
		j.WithID("j1").WithStep(func(s *Step) {
			s.WithIDStep("s1").
				WithBranch(func(b *Branch) {
					b.WithIf("v>100").WithStepBranch(func(s *Step) { s.WithIDStep("s3") })
				}).
				WithBranch(func(b *Branch) {
					b.WithIf("v<=100").WithStepBranch(func(s *Step) { s.WithIDStep("s4") })
				})
		})
	})
	tree := Build(w)
	if tree.Err() != nil {
		t.Fatalf("unexpected build error: %v", tree.Err())
	}

	s1, _ := tree.Node("s1")
	children := tree.Children(s1)
	if len(children) != 2 {
		t.Fatalf("expected 2 branch children, got %d", len(children))
	}
	for _, c := range children {
		if c.Data.Kind != KindBranch {
			t.Fatalf("expected branch child, got %v", c.Data.Kind)
		}
	}
	if _, ok := tree.Next(children[0]); ok {
		t.Fatalf("branches must not be linked as siblings")
	}
}

func TestBuildEmptyWorkflowFails(t *testing.T) {
	tree := Build(NewWorkflow("empty"))
	if tree.Err() != ErrEmptyWorkflow {
		t.Fatalf("expected ErrEmptyWorkflow, got %v", tree.Err())
	}
}

func TestBuildDuplicateNodeIDFails(t *testing.T) {
	w := NewWorkflow("w4").WithJob(func(j *Job) {
		j.WithID("j1").
			WithStep(func(s *Step) { s.WithIDStep("dup") }).
			WithStep(func(s *Step) { s.WithIDStep("dup") })
	})
	tree := Build(w)
	if tree.Err() == nil {
		t.Fatalf("expected duplicate node id error")
	}
	if _, ok := tree.Err().(*ErrDuplicateNodeID); !ok {
		t.Fatalf("expected *ErrDuplicateNodeID, got %T", tree.Err())
	}
}

func TestWorkflowStringRoundTrip(t *testing.T) {
	w := simpleWorkflow()
	doc, err := w.String()
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	parsed, err := ParseWorkflow(doc)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if parsed.ID != w.ID {
		t.Fatalf("expected id %q, got %q", w.ID, parsed.ID)
	}
	if len(parsed.Jobs) != 1 || len(parsed.Jobs[0].Steps) != 1 {
		t.Fatalf("round trip lost jobs/steps")
	}
}
