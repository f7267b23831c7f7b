package archicad

import (
	"sync"
	"testing"
)

func TestRegistryEmptyVersusNeverScanned(t *testing.T) {
	r := NewRegistry()

	if scanned, _ := r.Scanned(); scanned {
		t.Error("fresh registry must report never-scanned")
	}
	if r.Len() != 0 {
		t.Errorf("len = %d", r.Len())
	}

	r.Replace(nil)
	scanned, at := r.Scanned()
	if !scanned {
		t.Error("after an empty scan the registry must report scanned")
	}
	if at.IsZero() {
		t.Error("scan time missing")
	}
	if r.Len() != 0 {
		t.Errorf("len = %d after empty scan", r.Len())
	}
}

func TestRegistryReplaceSortsAndDedupes(t *testing.T) {
	r := NewRegistry()
	r.Replace([]Instance{
		{Port: 19725, ProjectName: "C"},
		{Port: 19723, ProjectName: "A"},
		{Port: 19725, ProjectName: "duplicate"},
		{Port: 19724, ProjectName: "B"},
	})

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	for i, want := range []int{19723, 19724, 19725} {
		if all[i].Port != want {
			t.Errorf("all[%d].Port = %d, want %d", i, all[i].Port, want)
		}
	}
	if inst, _ := r.Lookup(19725); inst.ProjectName != "C" {
		t.Errorf("first entry must win on duplicate port, got %q", inst.ProjectName)
	}
	if got := r.Ports(); len(got) != 3 || got[0] != 19723 {
		t.Errorf("ports = %v", got)
	}
}

func TestRegistryLookupMiss(t *testing.T) {
	r := NewRegistry()
	r.Replace([]Instance{{Port: 19723}})
	if _, ok := r.Lookup(19744); ok {
		t.Error("lookup of unknown port succeeded")
	}
}

// Concurrent readers must always observe a complete generation, never a mix.
func TestRegistryConcurrentReplaceAndRead(t *testing.T) {
	r := NewRegistry()

	genA := []Instance{{Port: 19723, ProjectName: "gen-a"}, {Port: 19724, ProjectName: "gen-a"}}
	genB := []Instance{{Port: 19723, ProjectName: "gen-b"}}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if i%2 == 0 {
				r.Replace(genA)
			} else {
				r.Replace(genB)
			}
		}
		close(stop)
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				all := r.All()
				switch len(all) {
				case 0:
					// Pre-first-replace snapshot.
				case 1:
					if all[0].ProjectName != "gen-b" {
						t.Errorf("torn snapshot: %+v", all)
						return
					}
				case 2:
					if all[0].ProjectName != "gen-a" || all[1].ProjectName != "gen-a" {
						t.Errorf("torn snapshot: %+v", all)
						return
					}
				default:
					t.Errorf("impossible snapshot size %d", len(all))
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestInstanceType(t *testing.T) {
	tests := []struct {
		name string
		inst Instance
		want ProjectType
	}{
		{"teamwork", Instance{IsTeamwork: true, ProjectName: "Shared"}, ProjectTeamwork},
		{"solo", Instance{ProjectName: "Tower A"}, ProjectSolo},
		{"untitled", Instance{ProjectName: "Untitled"}, ProjectUntitled},
		{"unknown", Instance{ProjectName: "Unknown"}, ProjectUntitled},
		{"empty", Instance{}, ProjectUntitled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.inst.Type(); got != tt.want {
				t.Errorf("Type() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestInstanceBaseURL(t *testing.T) {
	if got := (Instance{Host: "127.0.0.1", Port: 19723}).BaseURL(); got != "http://127.0.0.1:19723" {
		t.Errorf("BaseURL = %q", got)
	}
	if got := (Instance{Port: 19724}).BaseURL(); got != "http://127.0.0.1:19724" {
		t.Errorf("BaseURL with empty host = %q", got)
	}
}
