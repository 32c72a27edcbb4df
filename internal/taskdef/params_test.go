package taskdef

import "testing"

func TestExpandTemplateStringParameter(t *testing.T) {
	table := ParamTable{}
	if err := table.Add(ParamSpec{Name: "run", StringValues: []string{"a", "b"}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	out, err := ExpandTemplate("task<run>", table)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	want := []string{"task_runa", "task_runb"}
	if len(out) != len(want) {
		t.Fatalf("expected %v, got %v", want, out)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, out)
		}
	}
}

func TestExpandTemplateIntegerParameter(t *testing.T) {
	table := ParamTable{}
	table.Add(ParamSpec{Name: "m", IntValues: []int{1, 2, 3}})
	out, err := ExpandTemplate("model<m>", table)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 expansions, got %d", len(out))
	}
}

func TestExpandTemplateCartesianProduct(t *testing.T) {
	table := ParamTable{}
	table.Add(ParamSpec{Name: "a", StringValues: []string{"x", "y"}})
	table.Add(ParamSpec{Name: "b", StringValues: []string{"1", "2"}})
	out, err := ExpandTemplate("t<a,b>", table)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("expected 4 combinations, got %d: %v", len(out), out)
	}
}

func TestExpandTemplateNoTemplateIsIdentity(t *testing.T) {
	out, err := ExpandTemplate("plaintask", ParamTable{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(out) != 1 || out[0] != "plaintask" {
		t.Fatalf("expected [plaintask], got %v", out)
	}
}

func TestExpandTemplateUndefinedParameterErrors(t *testing.T) {
	if _, err := ExpandTemplate("task<missing>", ParamTable{}); err == nil {
		t.Fatalf("expected an error for an undeclared parameter reference")
	}
}

func TestParamTableAddRejectsTypeConflict(t *testing.T) {
	table := ParamTable{}
	table.Add(ParamSpec{Name: "p", StringValues: []string{"a"}})
	if err := table.Add(ParamSpec{Name: "p", IntValues: []int{1}}); err == nil {
		t.Fatalf("expected an error redeclaring a parameter with a conflicting type")
	}
}
