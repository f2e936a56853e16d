package db

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm/clause"
)

// SourceDef is one entry of the sources file.
type SourceDef struct {
	Code                string `yaml:"code"`
	Name                string `yaml:"name"`
	SnapshotPath        string `yaml:"snapshot_path"`
	Encoding            string `yaml:"encoding"`
	MediaPath           string `yaml:"media_path"`
	DefaultPriceType    string `yaml:"default_price_type"`
	DefaultWarehouse    string `yaml:"default_warehouse"`
	Active              *bool  `yaml:"active"`
	Visible             *bool  `yaml:"visible"`
	AutoSync            bool   `yaml:"auto_sync"`
	DataIntervalMinutes int    `yaml:"data_interval_minutes"`
	FullIntervalMinutes int    `yaml:"full_interval_minutes"`
}

type sourcesFile struct {
	Sources []SourceDef `yaml:"sources"`
}

// LoadSourceDefs parses a YAML sources file. A missing file yields no sources.
func LoadSourceDefs(path string) ([]SourceDef, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var f sourcesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, d := range f.Sources {
		if strings.TrimSpace(d.Code) == "" {
			return nil, fmt.Errorf("%s: source #%d has no code", path, i+1)
		}
	}
	return f.Sources, nil
}

func (d SourceDef) model() IntegrationSource {
	active, visible := true, true
	if d.Active != nil {
		active = *d.Active
	}
	if d.Visible != nil {
		visible = *d.Visible
	}
	enc := d.Encoding
	if enc == "" {
		enc = "utf-8"
	}
	name := d.Name
	if name == "" {
		name = d.Code
	}
	dataMin, fullMin := d.DataIntervalMinutes, d.FullIntervalMinutes
	if dataMin <= 0 {
		dataMin = 5
	}
	if fullMin <= 0 {
		fullMin = 60
	}
	return IntegrationSource{
		Code:                strings.TrimSpace(d.Code),
		Name:                name,
		SnapshotPath:        d.SnapshotPath,
		Encoding:            enc,
		MediaPath:           d.MediaPath,
		DefaultPriceType:    d.DefaultPriceType,
		DefaultWarehouse:    d.DefaultWarehouse,
		Active:              active,
		Visible:             visible,
		AutoSync:            d.AutoSync,
		ImportStatus:        StatusIdle,
		DataIntervalMinutes: dataMin,
		FullIntervalMinutes: fullMin,
	}
}

// UpsertSources inserts or updates sources by code. Only configuration columns
// are touched on conflict; run state is left alone.
func (h *Handle) UpsertSources(defs []SourceDef) (int, error) {
	if len(defs) == 0 {
		return 0, nil
	}
	rows := make([]IntegrationSource, 0, len(defs))
	for _, d := range defs {
		rows = append(rows, d.model())
	}
	err := h.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "snapshot_path", "encoding", "media_path",
			"default_price_type", "default_warehouse",
			"active", "visible", "auto_sync",
			"data_interval_minutes", "full_interval_minutes",
		}),
	}).Create(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("upsert sources: %w", err)
	}
	return len(rows), nil
}

// SeedSources loads the YAML file and upserts its sources.
func (h *Handle) SeedSources(path string) (int, error) {
	defs, err := LoadSourceDefs(path)
	if err != nil {
		return 0, err
	}
	return h.UpsertSources(defs)
}
