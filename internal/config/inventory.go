package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/examgate/proctor-control-plane/internal/model"
)

// Inventory is the provisioning seed: the machine pool and the exams
// users may join.
type Inventory struct {
	Machines []InventoryMachine `yaml:"machines"`
	Exams    []InventoryExam    `yaml:"exams"`
}

type InventoryMachine struct {
	ID           string `yaml:"id"`
	Label        string `yaml:"label"`
	Address      string `yaml:"address"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	HypervisorID string `yaml:"hypervisor_id"`
}

type InventoryExam struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	AccessCode string `yaml:"access_code"`
	Duration   string `yaml:"duration"`
}

func LoadInventory(path string) (Inventory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Inventory{}, fmt.Errorf("read inventory: %w", err)
	}
	return ParseInventory(b)
}

func ParseInventory(b []byte) (Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(b, &inv); err != nil {
		return Inventory{}, fmt.Errorf("parse inventory: %w", err)
	}
	seen := make(map[string]bool)
	for i, m := range inv.Machines {
		if m.ID == "" || m.Address == "" {
			return Inventory{}, fmt.Errorf("inventory machine %d: id and address are required", i)
		}
		if m.Port <= 0 {
			return Inventory{}, fmt.Errorf("inventory machine %s: port must be positive", m.ID)
		}
		if seen[m.ID] {
			return Inventory{}, fmt.Errorf("inventory machine %s: duplicate id", m.ID)
		}
		seen[m.ID] = true
	}
	for i, e := range inv.Exams {
		if e.ID == "" {
			return Inventory{}, fmt.Errorf("inventory exam %d: id is required", i)
		}
		if e.Duration != "" {
			if _, err := time.ParseDuration(e.Duration); err != nil {
				return Inventory{}, fmt.Errorf("inventory exam %s: %w", e.ID, err)
			}
		}
	}
	return inv, nil
}

func (inv Inventory) ModelMachines() []model.Machine {
	out := make([]model.Machine, 0, len(inv.Machines))
	for _, m := range inv.Machines {
		label := m.Label
		if label == "" {
			label = m.ID
		}
		out = append(out, model.Machine{
			ID:           m.ID,
			Label:        label,
			Address:      m.Address,
			Port:         m.Port,
			Username:     m.Username,
			Password:     m.Password,
			HypervisorID: m.HypervisorID,
			Status:       model.MachineFree,
		})
	}
	return out
}

// ModelExams converts exam entries. Durations were checked by
// ParseInventory.
func (inv Inventory) ModelExams() []model.Exam {
	out := make([]model.Exam, 0, len(inv.Exams))
	for _, e := range inv.Exams {
		d, _ := time.ParseDuration(e.Duration)
		name := e.Name
		if name == "" {
			name = e.ID
		}
		out = append(out, model.Exam{ID: e.ID, Name: name, AccessCode: e.AccessCode, Duration: d})
	}
	return out
}
