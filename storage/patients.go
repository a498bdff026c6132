package storage

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"medgate/util"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Patient is a record in the demo clinical directory. Field values are
// stored exactly as entered; escaping happens at render time.
type Patient struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	BranchID string `json:"branch_id" yaml:"branch_id"`
	DOB      string `json:"dob" yaml:"dob"`
	Notes    string `json:"notes,omitempty" yaml:"notes"`
}

// ResourceRef is the reference used in audit records and grants
func (p *Patient) ResourceRef() string {
	return "patient:" + p.ID
}

// PatientDirectory is an in-memory patient store
type PatientDirectory struct {
	mu       sync.RWMutex
	patients map[string]*Patient
}

// NewPatientDirectory creates a directory holding patients
func NewPatientDirectory(patients ...Patient) *PatientDirectory {
	d := &PatientDirectory{patients: make(map[string]*Patient, len(patients))}
	for i := range patients {
		p := patients[i]
		d.patients[p.ID] = &p
	}
	return d
}

// CreatePatient stores p, assigning an ID when it has none
func (d *PatientDirectory) CreatePatient(ctx context.Context, p Patient) (*Patient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Name) == "" || p.BranchID == "" {
		return nil, fmt.Errorf("patient needs a name and a branch")
	}
	if p.ID == "" {
		p.ID = "p-" + uuid.NewString()[:8]
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.patients[p.ID]; exists {
		return nil, fmt.Errorf("patient %q already exists", p.ID)
	}
	d.patients[p.ID] = &p
	cp := p
	return &cp, nil
}

// GetPatient returns a copy of one patient
func (d *PatientDirectory) GetPatient(_ context.Context, id string) (*Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

// SearchPatients returns patients whose name contains query (case
// insensitive), limited to branches. A nil branches slice means all
// branches. Results are sorted by name.
func (d *PatientDirectory) SearchPatients(_ context.Context, query string, branches []string) []Patient {
	q := strings.ToLower(strings.TrimSpace(query))
	var allowed map[string]bool
	if branches != nil {
		allowed = make(map[string]bool, len(branches))
		for _, b := range branches {
			allowed[b] = true
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Patient
	for _, p := range d.patients {
		if allowed != nil && !allowed[p.BranchID] {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(p.Name), q) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// BranchOf resolves the owning branch of a resource for branch-scope
// checks. Unknown patients and other resource types resolve to "".
func (d *PatientDirectory) BranchOf(_ context.Context, resourceType, id string) (string, error) {
	if resourceType != "patient" {
		return "", nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.patients[id]; ok {
		return p.BranchID, nil
	}
	return "", nil
}

type patientsFile struct {
	Patients []Patient `yaml:"patients"`
}

// LoadPatients seeds a directory from a YAML file. An empty path yields an
// empty directory.
func LoadPatients(path string) (*PatientDirectory, error) {
	if path == "" {
		return NewPatientDirectory(), nil
	}
	clean, err := util.CleanFilePath(path, true)
	if err != nil {
		return nil, fmt.Errorf("invalid patients file path: %w", err)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read patients file: %w", err)
	}
	if err := validateDocument("patients", data); err != nil {
		return nil, err
	}
	var f patientsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse patients file: %w", err)
	}
	d := NewPatientDirectory()
	for _, p := range f.Patients {
		if _, err := d.CreatePatient(context.Background(), p); err != nil {
			return nil, err
		}
	}
	return d, nil
}
