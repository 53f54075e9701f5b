package builder

import (
	"context"
	"testing"
)

type fakeBuilder struct {
	name string
}

func (f *fakeBuilder) Resolve(_ context.Context) (Versions, error) {
	return Versions{TensorRT: "10.0", Cudnn: "8.9"}, nil
}

func (f *fakeBuilder) Build(_ context.Context, _ BuildSpec) error { return nil }
func (f *fakeBuilder) Push(_ context.Context, _ BuildSpec) error  { return nil }

func (f *fakeBuilder) Capabilities() Capabilities {
	return Capabilities{Name: f.name, SupportsPush: true, MaxConcurrency: 1}
}

func TestResolveByName(t *testing.T) {
	r := NewRegistry()
	want := &fakeBuilder{name: "kaniko"}
	r.Register("kaniko", want)

	got, err := r.Resolve("kaniko")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != Builder(want) {
		t.Error("resolved a different builder")
	}
}

func TestResolveEmptyUsesDefault(t *testing.T) {
	r := NewRegistry()
	want := &fakeBuilder{name: DefaultName}
	r.Register(DefaultName, want)

	got, err := r.Resolve("")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != Builder(want) {
		t.Error("empty name should resolve the default builder")
	}
}

func TestResolveUnregistered(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("missing"); err == nil {
		t.Fatal("expected error for unregistered builder")
	}
}

func TestListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register("kaniko", &fakeBuilder{name: "kaniko"})
	r.Register("buildah", &fakeBuilder{name: "buildah"})
	r.Register("docker", &fakeBuilder{name: "docker"})

	infos := r.List()
	if len(infos) != 3 {
		t.Fatalf("len = %d, want 3", len(infos))
	}
	want := []string{"buildah", "docker", "kaniko"}
	for i, info := range infos {
		if info.Name != want[i] {
			t.Errorf("infos[%d].Name = %q, want %q", i, info.Name, want[i])
		}
	}
}
