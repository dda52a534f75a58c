package workflowstore

import (
	"strings"
	"testing"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
)

const validWorkflow = `graph:
  id: demo
  nodes:
    - id: plan
      type: agent
      prompt: "plan it"
`

func newStorage(t *testing.T) *Storage {
	t.Helper()
	storage, err := NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return storage
}

func TestValidateFilename(t *testing.T) {
	valid := []string{"demo.yaml", "my-flow_2.yml", "a.b.yaml"}
	for _, name := range valid {
		if err := ValidateFilename(name); err != nil {
			t.Errorf("ValidateFilename(%q) = %v", name, err)
		}
	}

	cases := map[string]apperrors.Code{
		"":                  apperrors.CodeValidation,
		"demo.txt":          apperrors.CodeValidation,
		"noextension":       apperrors.CodeValidation,
		"../evil.yaml":      apperrors.CodeSecurity,
		"/abs/path.yaml":    apperrors.CodeSecurity,
		"dir/inside.yaml":   apperrors.CodeSecurity,
		"spaced name.yaml":  apperrors.CodeSecurity,
		"semi;colon.yaml":   apperrors.CodeSecurity,
		"back\\slash.yaml":  apperrors.CodeSecurity,
		"null\x00byte.yaml": apperrors.CodeSecurity,
	}
	for name, wantCode := range cases {
		err := ValidateFilename(name)
		if !apperrors.IsCode(err, wantCode) {
			t.Errorf("ValidateFilename(%q) = %v, want code %s", name, err, wantCode)
		}
	}
}

func TestSaveReadRoundTrip(t *testing.T) {
	storage := newStorage(t)
	if err := storage.Save("demo.yaml", validWorkflow, false); err != nil {
		t.Fatalf("Save: %v", err)
	}
	content, err := storage.Read("demo.yaml")
	if err != nil || content != validWorkflow {
		t.Errorf("Read = %q, %v", content, err)
	}
}

func TestSaveRejectsInvalidContent(t *testing.T) {
	storage := newStorage(t)
	err := storage.Save("bad.yaml", "graph:\n  nodes: []\n", false)
	if !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestSaveConflictWithoutOverwrite(t *testing.T) {
	storage := newStorage(t)
	if err := storage.Save("demo.yaml", validWorkflow, false); err != nil {
		t.Fatal(err)
	}
	err := storage.Save("demo.yaml", validWorkflow, false)
	if !apperrors.IsCode(err, apperrors.CodeConflict) {
		t.Errorf("expected RESOURCE_CONFLICT, got %v", err)
	}
	if err := storage.Save("demo.yaml", validWorkflow, true); err != nil {
		t.Errorf("overwrite should succeed: %v", err)
	}
}

func TestReadMissingWorkflow(t *testing.T) {
	storage := newStorage(t)
	_, err := storage.Read("ghost.yaml")
	if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Errorf("expected RESOURCE_NOT_FOUND, got %v", err)
	}
}

func TestRenameRewritesGraphID(t *testing.T) {
	storage := newStorage(t)
	if err := storage.Save("demo.yaml", validWorkflow, false); err != nil {
		t.Fatal(err)
	}
	if err := storage.Rename("demo.yaml", "renamed.yaml"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, err := storage.Read("demo.yaml"); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Error("old name should be gone")
	}
	content, err := storage.Read("renamed.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(content, "id: renamed") {
		t.Errorf("graph id not rewritten:\n%s", content)
	}
	// Node ids that merely resemble the graph id stay untouched.
	if !strings.Contains(content, "id: plan") {
		t.Errorf("node id clobbered:\n%s", content)
	}
}

func TestRenameIntoExistingTargetConflicts(t *testing.T) {
	storage := newStorage(t)
	_ = storage.Save("a.yaml", validWorkflow, false)
	_ = storage.Save("b.yaml", strings.ReplaceAll(validWorkflow, "id: demo", "id: other"), false)
	err := storage.Rename("a.yaml", "b.yaml")
	if !apperrors.IsCode(err, apperrors.CodeConflict) {
		t.Errorf("expected RESOURCE_CONFLICT, got %v", err)
	}
}

func TestCopyKeepsSource(t *testing.T) {
	storage := newStorage(t)
	if err := storage.Save("demo.yaml", validWorkflow, false); err != nil {
		t.Fatal(err)
	}
	if err := storage.Copy("demo.yaml", "copy.yaml"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if _, err := storage.Read("demo.yaml"); err != nil {
		t.Error("source should survive a copy")
	}
	content, _ := storage.Read("copy.yaml")
	if !strings.Contains(content, "id: copy") {
		t.Errorf("copied graph id not rewritten:\n%s", content)
	}
}

func TestDeleteAndList(t *testing.T) {
	storage := newStorage(t)
	_ = storage.Save("a.yaml", validWorkflow, false)
	_ = storage.Save("b.yml", strings.ReplaceAll(validWorkflow, "id: demo", "id: b"), false)

	metas, err := storage.List()
	if err != nil || len(metas) != 2 {
		t.Fatalf("List = %v, %v", metas, err)
	}
	if metas[0].Name != "a.yaml" || metas[1].Name != "b.yml" {
		t.Errorf("order = %v", metas)
	}

	if err := storage.Delete("a.yaml"); err != nil {
		t.Fatal(err)
	}
	if err := storage.Delete("a.yaml"); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Errorf("second delete = %v", err)
	}
}
