package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: PROJECT STATE

A project carries the durable copy of the shared buffer:

  code + version      -> latest persisted snapshot
  code_history        -> every snapshot that was replaced, with the version it had
  collaborators       -> (principal, role), unique per principal

The live copy that clients see may run ahead of `code` by one debounce
window; `version` only moves when a save lands.
*/

// Project is a shared code buffer with its permission list.
type Project struct {
	ID       string `json:"id" gorm:"type:varchar(27);primaryKey"`
	OwnerID  string `json:"owner_id" gorm:"type:varchar(128);not null;index"`
	Name     string `json:"name" gorm:"type:text"`
	IsPublic bool   `json:"is_public" gorm:"not null;default:false"`
	Code     string `json:"code" gorm:"type:text;not null;default:''"`
	Version  int64  `json:"version" gorm:"not null;default:0"`
	// LastAuthorID is who wrote the current snapshot; it becomes the
	// history author when the snapshot is replaced.
	LastAuthorID string    `json:"last_author_id" gorm:"type:varchar(128)"`
	CreatedAt    time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`

	Collaborators []Collaborator `json:"collaborators,omitempty" gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
	History       []CodeHistory  `json:"-" gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
}

// BeforeCreate hook generates KSUID before inserting
func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = ksuid.New().String()
	}
	return nil
}

// Collaborator finds the stored entry for a principal.
func (p *Project) Collaborator(principalID string) (*Collaborator, bool) {
	for i := range p.Collaborators {
		if p.Collaborators[i].PrincipalID == principalID {
			return &p.Collaborators[i], true
		}
	}
	return nil, false
}

// CanJoin reports whether a principal may enter the project's room at all.
func (p *Project) CanJoin(principalID string) bool {
	if p.IsPublic || p.OwnerID == principalID {
		return true
	}
	_, ok := p.Collaborator(principalID)
	return ok
}

// SetCollaboratorRole updates the in-memory list in place, appending when
// the principal has no entry yet.
func (p *Project) SetCollaboratorRole(c Collaborator) {
	if existing, ok := p.Collaborator(c.PrincipalID); ok {
		existing.Role = c.Role
		existing.UpdatedAt = c.UpdatedAt
		return
	}
	p.Collaborators = append(p.Collaborators, c)
}

// Collaborator is one (principal, role) grant on a project.
type Collaborator struct {
	ID          string    `json:"-" gorm:"type:varchar(27);primaryKey"`
	ProjectID   string    `json:"-" gorm:"type:varchar(27);not null;uniqueIndex:idx_project_principal"`
	PrincipalID string    `json:"principal_id" gorm:"type:varchar(128);not null;uniqueIndex:idx_project_principal"`
	Role        Role      `json:"role" gorm:"type:varchar(16);not null;default:'viewer'"`
	AddedAt     time.Time `json:"added_at" gorm:"not null"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// BeforeCreate generates KSUID
func (c *Collaborator) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = ksuid.New().String()
	}
	if c.AddedAt.IsZero() {
		c.AddedAt = time.Now().UTC()
	}
	return nil
}

// TableName override
func (Collaborator) TableName() string {
	return "collaborators"
}

// CodeHistory records a replaced snapshot. Version is the version the
// snapshot carried before it was replaced.
type CodeHistory struct {
	ID        string    `json:"id" gorm:"type:varchar(27);primaryKey"`
	ProjectID string    `json:"project_id" gorm:"type:varchar(27);not null;index:idx_history_project_version"`
	Code      string    `json:"code" gorm:"type:text;not null"`
	AuthorID  string    `json:"author_id" gorm:"type:varchar(128)"`
	Version   int64     `json:"version" gorm:"not null;index:idx_history_project_version"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// BeforeCreate generates KSUID
func (h *CodeHistory) BeforeCreate(tx *gorm.DB) error {
	if h.ID == "" {
		h.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (CodeHistory) TableName() string {
	return "code_history"
}
