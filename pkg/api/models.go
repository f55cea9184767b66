package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RegisterRequest struct {
	Email    string
	Username string
	FullName string
	Password string
}

type User struct {
	Id       uuid.UUID
	Email    string
	Username string
	FullName string

	CreationTime time.Time
	LastLogin    *time.Time `json:"LastLogin,omitempty"`
}

type LoginRequest struct {
	Username string
	Password string
}

type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64 // access token lifetime in seconds
}

type RefreshRequest struct {
	RefreshToken string
}

type LogoutRequest struct {
	RefreshToken string
}

type Image struct {
	Id          uuid.UUID
	Filename    string
	ContentType string
	SizeBytes   int64
	Description string
	UploadTime  time.Time

	HasThumbnail bool
}

type ListImagesRequest struct {
	Limit  int `schema:"limit"`
	Offset int `schema:"offset"`
}

type ListImagesResponse struct {
	Images []Image
}

type SubmitAnalysisResponse struct {
	TaskId uuid.UUID
	Status string
}

type AnalysisTask struct {
	Id      uuid.UUID
	ImageId uuid.UUID

	Status      string
	Progress    float64
	CurrentStep string

	Result       json.RawMessage `json:"Result,omitempty"`
	ErrorMessage string          `json:"ErrorMessage,omitempty"`

	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
}

// TaskEvent is one message on the analysis progress stream.
type TaskEvent struct {
	TaskId      uuid.UUID
	Status      string
	Progress    float64
	CurrentStep string
	Timestamp   time.Time
}

type ValidateRequest struct {
	TrueLatitude  float64
	TrueLongitude float64
}

type ValidateResponse struct {
	DistanceMeters float64
	Within50m      bool
	Within100m     bool
	Within500m     bool
	Within1km      bool
}

type PipelineStatusResponse struct {
	Roles map[string]string
}
