package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"geolocator-backend/internal/auth"
	"geolocator-backend/internal/database"
	"geolocator-backend/internal/imagemeta"
	"geolocator-backend/internal/messaging"
	"geolocator-backend/internal/pipeline"
	"geolocator-backend/internal/storage"
	"geolocator-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	// MaxUploadBytes bounds a single image upload.
	MaxUploadBytes = 20 << 20

	// streamPollInterval is how often the events endpoint re-reads the task row.
	streamPollInterval = 500 * time.Millisecond
)

// StatusFunc reports per-role pipeline readiness for the status endpoint.
type StatusFunc func() map[string]string

// BackendService exposes the image and analysis endpoints. All routes it
// registers require authentication except /health.
type BackendService struct {
	db        *gorm.DB
	publisher messaging.Publisher
	storage   storage.Provider
	bucket    string
	auth      *auth.Service
	status    StatusFunc
}

func NewBackendService(db *gorm.DB, pub messaging.Publisher, store storage.Provider, bucket string, authService *auth.Service, status StatusFunc) *BackendService {
	return &BackendService{db: db, publisher: pub, storage: store, bucket: bucket, auth: authService, status: status}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Route("/images", func(r chi.Router) {
			r.Post("/", RestHandler(s.UploadImage))
			r.Get("/", RestHandler(s.ListImages))
			r.Get("/{image_id}", RestHandler(s.GetImage))
			r.Get("/{image_id}/content", s.GetImageContent)
			r.Get("/{image_id}/thumbnail", s.GetImageThumbnail)
			r.Delete("/{image_id}", RestHandler(s.DeleteImage))
		})

		r.Route("/analysis", func(r chi.Router) {
			r.Post("/{image_id}", RestAcceptedHandler(s.SubmitAnalysis))
			r.Get("/{task_id}", RestHandler(s.GetAnalysisTask))
			r.Get("/{task_id}/events", RestStreamHandler(s.StreamAnalysisEvents))
			r.Post("/{task_id}/validate", RestHandler(s.ValidateAnalysis))
		})

		r.Get("/pipeline/status", RestHandler(s.PipelineStatus))
	})
}

func (s *BackendService) imageKey(userId, imageId uuid.UUID) string {
	return fmt.Sprintf("users/%s/images/%s", userId, imageId)
}

func (s *BackendService) UploadImage(r *http.Request) (any, error) {
	userId, ok := auth.UserId(r.Context())
	if !ok {
		return nil, CodedErrorf(http.StatusUnauthorized, "not authenticated")
	}

	r.Body = http.MaxBytesReader(nil, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart upload")
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "missing 'file' field in upload")
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !imagemeta.AllowedContentType(contentType) {
		return nil, CodedErrorf(http.StatusUnsupportedMediaType, "unsupported content type %q", contentType)
	}

	data, err := io.ReadAll(file)
	if err != nil {
		slog.Error("error reading upload", "error", err)
		return nil, CodedErrorf(http.StatusBadRequest, "unable to read uploaded file")
	}

	ctx := r.Context()

	image := database.Image{
		Id:          uuid.New(),
		UserId:      userId,
		Filename:    header.Filename,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		Description: r.FormValue("description"),
		UploadTime:  time.Now().UTC(),
	}
	image.StorageKey = s.imageKey(userId, image.Id)

	if err := s.storage.PutObject(ctx, s.bucket, image.StorageKey, bytes.NewReader(data)); err != nil {
		slog.Error("error storing image", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to store image")
	}

	if thumb, err := imagemeta.Thumbnail(data, imagemeta.MaxThumbnailDim); err != nil {
		slog.Warn("failed to generate thumbnail", "image_id", image.Id, "error", err)
	} else {
		// Sibling key: the image key itself is a file on LocalProvider, so the
		// thumbnail must not nest under it.
		key := image.StorageKey + ".thumb"
		if err := s.storage.PutObject(ctx, s.bucket, key, bytes.NewReader(thumb)); err != nil {
			slog.Warn("failed to store thumbnail", "image_id", image.Id, "error", err)
		} else {
			image.ThumbnailKey = sql.NullString{String: key, Valid: true}
		}
	}

	if err := s.db.WithContext(ctx).Create(&image).Error; err != nil {
		slog.Error("error creating image record", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to record image")
	}

	slog.Info("image uploaded", "image_id", image.Id, "user_id", userId, "size", image.SizeBytes)
	return convertImage(image), nil
}

func (s *BackendService) ListImages(r *http.Request) (any, error) {
	userId, ok := auth.UserId(r.Context())
	if !ok {
		return nil, CodedErrorf(http.StatusUnauthorized, "not authenticated")
	}

	params, err := ParseRequestQueryParams[api.ListImagesRequest](r)
	if err != nil {
		return nil, err
	}
	if params.Limit <= 0 || params.Limit > 200 {
		params.Limit = 200
	}
	if params.Offset < 0 {
		params.Offset = 0
	}

	var images []database.Image
	err = s.db.WithContext(r.Context()).
		Where("user_id = ?", userId).
		Order("upload_time DESC").
		Limit(params.Limit).
		Offset(params.Offset).
		Find(&images).Error
	if err != nil {
		slog.Error("error listing images", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to list images")
	}

	out := api.ListImagesResponse{Images: make([]api.Image, len(images))}
	for i, img := range images {
		out.Images[i] = convertImage(img)
	}
	return out, nil
}

// loadOwnedImage fetches an image and enforces that it belongs to the
// authenticated user. Another user's image reads as not found.
func (s *BackendService) loadOwnedImage(r *http.Request) (database.Image, error) {
	userId, ok := auth.UserId(r.Context())
	if !ok {
		return database.Image{}, CodedErrorf(http.StatusUnauthorized, "not authenticated")
	}

	imageId, err := URLParamUUID(r, "image_id")
	if err != nil {
		return database.Image{}, err
	}

	var image database.Image
	err = s.db.WithContext(r.Context()).
		First(&image, "id = ? AND user_id = ?", imageId, userId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Image{}, CodedErrorf(http.StatusNotFound, "image not found")
		}
		slog.Error("error loading image", "error", err)
		return database.Image{}, CodedErrorf(http.StatusInternalServerError, "failed to load image")
	}

	return image, nil
}

func (s *BackendService) GetImage(r *http.Request) (any, error) {
	image, err := s.loadOwnedImage(r)
	if err != nil {
		return nil, err
	}
	return convertImage(image), nil
}

func (s *BackendService) GetImageContent(w http.ResponseWriter, r *http.Request) {
	image, err := s.loadOwnedImage(r)
	if err != nil {
		writeError(w, err)
		return
	}

	stream, err := s.storage.GetObjectStream(r.Context(), s.bucket, image.StorageKey)
	if err != nil {
		slog.Error("error opening image stream", "image_id", image.Id, "error", err)
		writeError(w, CodedErrorf(http.StatusInternalServerError, "failed to read image"))
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", image.ContentType)
	if _, err := io.Copy(w, stream); err != nil {
		slog.Error("error streaming image", "image_id", image.Id, "error", err)
	}
}

func (s *BackendService) GetImageThumbnail(w http.ResponseWriter, r *http.Request) {
	image, err := s.loadOwnedImage(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if !image.ThumbnailKey.Valid {
		writeError(w, CodedErrorf(http.StatusNotFound, "image has no thumbnail"))
		return
	}

	data, err := s.storage.GetObject(r.Context(), s.bucket, image.ThumbnailKey.String)
	if err != nil {
		slog.Error("error reading thumbnail", "image_id", image.Id, "error", err)
		writeError(w, CodedErrorf(http.StatusInternalServerError, "failed to read thumbnail"))
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	if _, err := w.Write(data); err != nil {
		slog.Error("error writing thumbnail", "image_id", image.Id, "error", err)
	}
}

func (s *BackendService) DeleteImage(r *http.Request) (any, error) {
	image, err := s.loadOwnedImage(r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	keys := []string{image.StorageKey}
	if image.ThumbnailKey.Valid {
		keys = append(keys, image.ThumbnailKey.String)
	}
	if err := s.storage.DeleteObjects(ctx, s.bucket, keys...); err != nil {
		slog.Error("error deleting image objects", "image_id", image.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to delete image")
	}

	if err := s.db.WithContext(ctx).Select("Tasks").Delete(&image).Error; err != nil {
		slog.Error("error deleting image record", "image_id", image.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to delete image")
	}

	return nil, nil
}

// SubmitAnalysis creates a PENDING task for the image and enqueues it. The
// response is 202; results arrive via polling or the events stream.
func (s *BackendService) SubmitAnalysis(r *http.Request) (any, error) {
	image, err := s.loadOwnedImage(r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	task := database.AnalysisTask{
		Id:           uuid.New(),
		ImageId:      image.Id,
		UserId:       image.UserId,
		Status:       database.TaskPending,
		CreationTime: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		slog.Error("error creating analysis task", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create analysis task")
	}

	payload := messaging.AnalysisTaskPayload{TaskId: task.Id}
	if err := s.publisher.PublishAnalysisTask(ctx, payload); err != nil {
		slog.Error("error publishing analysis task", "task_id", task.Id, "error", err)
		if err := database.FailTask(ctx, s.db, task.Id, "failed to enqueue analysis task"); err != nil {
			slog.Error("error failing unqueued task", "task_id", task.Id, "error", err)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue analysis task")
	}

	slog.Info("analysis task submitted", "task_id", task.Id, "image_id", image.Id)
	return api.SubmitAnalysisResponse{TaskId: task.Id, Status: task.Status}, nil
}

// loadOwnedTask fetches a task and enforces ownership.
func (s *BackendService) loadOwnedTask(r *http.Request) (database.AnalysisTask, error) {
	userId, ok := auth.UserId(r.Context())
	if !ok {
		return database.AnalysisTask{}, CodedErrorf(http.StatusUnauthorized, "not authenticated")
	}

	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return database.AnalysisTask{}, err
	}

	var task database.AnalysisTask
	err = s.db.WithContext(r.Context()).
		First(&task, "id = ? AND user_id = ?", taskId, userId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.AnalysisTask{}, CodedErrorf(http.StatusNotFound, "analysis task not found")
		}
		slog.Error("error loading analysis task", "error", err)
		return database.AnalysisTask{}, CodedErrorf(http.StatusInternalServerError, "failed to load analysis task")
	}

	return task, nil
}

func (s *BackendService) GetAnalysisTask(r *http.Request) (any, error) {
	task, err := s.loadOwnedTask(r)
	if err != nil {
		return nil, err
	}
	return convertTask(task), nil
}

// StreamAnalysisEvents emits task progress as newline delimited JSON until
// the task reaches a terminal state. Progress is read from the task row, so
// the stream works regardless of which worker runs the analysis.
func (s *BackendService) StreamAnalysisEvents(r *http.Request) (StreamResponse, error) {
	task, err := s.loadOwnedTask(r)
	if err != nil {
		return nil, err
	}

	return func(yield func(any, error) bool) {
		ctx := r.Context()
		lastProgress := -1.0
		lastStatus := ""

		for {
			var current database.AnalysisTask
			if err := s.db.WithContext(ctx).First(&current, "id = ?", task.Id).Error; err != nil {
				yield(nil, CodedErrorf(http.StatusInternalServerError, "failed to read task state"))
				return
			}

			if current.Progress != lastProgress || current.Status != lastStatus {
				lastProgress = current.Progress
				lastStatus = current.Status

				event := api.TaskEvent{
					TaskId:      current.Id,
					Status:      current.Status,
					Progress:    current.Progress,
					CurrentStep: current.CurrentStep,
					Timestamp:   time.Now().UTC(),
				}
				if !yield(event, nil) {
					return
				}
			}

			if current.Status == database.TaskCompleted || current.Status == database.TaskFailed {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(streamPollInterval):
			}
		}
	}, nil
}

// ValidateAnalysis compares a completed task's primary prediction against
// caller-supplied ground truth coordinates.
func (s *BackendService) ValidateAnalysis(r *http.Request) (any, error) {
	task, err := s.loadOwnedTask(r)
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.ValidateRequest](r)
	if err != nil {
		return nil, err
	}
	if req.TrueLatitude < -90 || req.TrueLatitude > 90 || req.TrueLongitude < -180 || req.TrueLongitude > 180 {
		return nil, CodedErrorf(http.StatusBadRequest, "ground truth coordinates out of range")
	}

	if task.Status != database.TaskCompleted || len(task.Result) == 0 {
		return nil, CodedErrorf(http.StatusConflict, "analysis task has no completed result")
	}

	var result pipeline.GeoLocationResult
	if err := json.Unmarshal(task.Result, &result); err != nil {
		slog.Error("error parsing stored result", "task_id", task.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "stored result is unreadable")
	}

	report := pipeline.ValidateAgainstGroundTruth(&result, req.TrueLatitude, req.TrueLongitude)
	return api.ValidateResponse{
		DistanceMeters: report.DistanceMeters,
		Within50m:      report.Within50m,
		Within100m:     report.Within100m,
		Within500m:     report.Within500m,
		Within1km:      report.Within1km,
	}, nil
}

func (s *BackendService) PipelineStatus(r *http.Request) (any, error) {
	roles := map[string]string{}
	if s.status != nil {
		roles = s.status()
	}
	return api.PipelineStatusResponse{Roles: roles}, nil
}

func convertImage(image database.Image) api.Image {
	return api.Image{
		Id:           image.Id,
		Filename:     image.Filename,
		ContentType:  image.ContentType,
		SizeBytes:    image.SizeBytes,
		Description:  image.Description,
		UploadTime:   image.UploadTime,
		HasThumbnail: image.ThumbnailKey.Valid,
	}
}

func convertTask(task database.AnalysisTask) api.AnalysisTask {
	return api.AnalysisTask{
		Id:             task.Id,
		ImageId:        task.ImageId,
		Status:         task.Status,
		Progress:       task.Progress,
		CurrentStep:    task.CurrentStep,
		Result:         []byte(task.Result),
		ErrorMessage:   task.ErrorMessage.String,
		CreationTime:   task.CreationTime,
		StartTime:      nullTimePtr(task.StartTime),
		CompletionTime: nullTimePtr(task.CompletionTime),
	}
}
