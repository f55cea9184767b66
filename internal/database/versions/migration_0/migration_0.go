package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Snapshot of the schema at migration 0. These types are frozen; the live
// schema lives in the database package.

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Email          string `gorm:"uniqueIndex;not null"`
	Username       string `gorm:"uniqueIndex;not null"`
	FullName       string
	HashedPassword string `gorm:"not null"`
	IsActive       bool   `gorm:"default:true"`

	CreationTime time.Time
	LastLogin    sql.NullTime

	RefreshTokens []RefreshToken `gorm:"foreignKey:UserId;constraint:OnDelete:CASCADE"`
	Images        []Image        `gorm:"foreignKey:UserId;constraint:OnDelete:CASCADE"`
}

type RefreshToken struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	UserId uuid.UUID `gorm:"type:uuid;not null;index"`
	User   *User     `gorm:"foreignKey:UserId"`

	TokenHash  string `gorm:"uniqueIndex;not null"`
	DeviceInfo string

	CreationTime time.Time
	ExpiresAt    time.Time
	Revoked      bool `gorm:"default:false"`
}

type Image struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	UserId uuid.UUID `gorm:"type:uuid;not null;index"`
	User   *User     `gorm:"foreignKey:UserId"`

	Filename     string `gorm:"not null"`
	ContentType  string `gorm:"size:64"`
	SizeBytes    int64
	StorageKey   string `gorm:"not null"`
	ThumbnailKey sql.NullString
	Description  string

	UploadTime time.Time

	Tasks []AnalysisTask `gorm:"foreignKey:ImageId;constraint:OnDelete:CASCADE"`
}

type AnalysisTask struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ImageId uuid.UUID `gorm:"type:uuid;not null;index"`
	Image   *Image    `gorm:"foreignKey:ImageId"`

	UserId uuid.UUID `gorm:"type:uuid;not null;index"`

	Status      string  `gorm:"size:20;not null"`
	Progress    float64 `gorm:"default:0"`
	CurrentStep string

	Result       datatypes.JSON `gorm:"type:jsonb"`
	ErrorMessage sql.NullString

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime
}

func Migration(db *gorm.DB) error {
	err := db.AutoMigrate(
		&User{}, &RefreshToken{}, &Image{}, &AnalysisTask{},
	)
	if err != nil {
		return fmt.Errorf("initial migration failed: %w", err)
	}
	return nil
}
