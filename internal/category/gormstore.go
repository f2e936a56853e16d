package category

import (
	"context"

	"github.com/bartek5186/catsync/internal/db"
	"gorm.io/gorm"
)

// GormStore persists nodes through g, usually an open batch transaction.
type GormStore struct {
	g        *gorm.DB
	sourceID uint
}

func NewGormStore(g *gorm.DB, sourceID uint) *GormStore {
	return &GormStore{g: g, sourceID: sourceID}
}

func (s *GormStore) SourceID() uint { return s.sourceID }

func (s *GormStore) Load(ctx context.Context) ([]Record, error) {
	var rows []db.CategoryNode
	if err := s.g.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, n := range rows {
		out = append(out, fromModel(n))
	}
	return out, nil
}

func (s *GormStore) Find(ctx context.Context, code, name string, parentID uint) (Record, bool, error) {
	q := s.g.WithContext(ctx).Model(&db.CategoryNode{})
	switch {
	case code != "":
		q = q.Where("external_code = ?", code)
	case parentID == 0:
		q = q.Where("name = ? AND parent_id IS NULL", name)
	default:
		q = q.Where("name = ? AND parent_id = ?", name, parentID)
	}
	var rows []db.CategoryNode
	if err := q.Order("id").Limit(1).Find(&rows).Error; err != nil {
		return Record{}, false, err
	}
	if len(rows) == 0 {
		return Record{}, false, nil
	}
	return fromModel(rows[0]), true, nil
}

func (s *GormStore) Create(ctx context.Context, r *Record) error {
	m := toModel(*r)
	if err := s.g.WithContext(ctx).Create(&m).Error; err != nil {
		return err
	}
	r.ID = m.ID
	return nil
}

func (s *GormStore) Update(ctx context.Context, r Record) error {
	m := toModel(r)
	return s.g.WithContext(ctx).Model(&db.CategoryNode{}).
		Where("id = ?", r.ID).
		Updates(map[string]any{
			"name":      m.Name,
			"parent_id": m.ParentID,
			"slug":      m.Slug,
			"visible":   m.Visible,
			"source_id": m.SourceID,
		}).Error
}

func fromModel(n db.CategoryNode) Record {
	r := Record{ID: n.ID, Name: n.Name, Slug: n.Slug, Visible: n.Visible}
	if n.ExternalCode != nil {
		r.Code = *n.ExternalCode
	}
	if n.ParentID != nil {
		r.ParentID = *n.ParentID
	}
	if n.SourceID != nil {
		r.SourceID = *n.SourceID
	}
	return r
}

func toModel(r Record) db.CategoryNode {
	m := db.CategoryNode{ID: r.ID, Name: r.Name, Slug: r.Slug, Visible: r.Visible}
	if r.Code != "" {
		code := r.Code
		m.ExternalCode = &code
	}
	if r.ParentID != 0 {
		pid := r.ParentID
		m.ParentID = &pid
	}
	if r.SourceID != 0 {
		sid := r.SourceID
		m.SourceID = &sid
	}
	return m
}
