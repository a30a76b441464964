/**
 * PostgreSQL Client for Face Detection Worker
 *
 * Handles database operations for job persistence and detected facial areas.
 * Tables live in the facedetect schema:
 * - facedetect.detection_jobs: one row per job, upserted on every status change
 * - facedetect.facial_areas: one row per detected face
 */

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"github.com/adverant/nexus/facedetect-worker/internal/detector"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PostgresClient handles database operations
type PostgresClient struct {
	db *sqlx.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	FacesDetected    int
	MaxConfidence    float64
	Detector         string
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS facedetect;

	CREATE TABLE IF NOT EXISTS facedetect.detection_jobs (
		id                 UUID PRIMARY KEY,
		user_id            TEXT NOT NULL DEFAULT 'anonymous',
		filename           TEXT,
		mime_type          TEXT,
		file_size          BIGINT,
		status             TEXT NOT NULL,
		faces_detected     INTEGER,
		max_confidence     NUMERIC(5,4),
		detector           TEXT,
		processing_time_ms BIGINT,
		error_code         TEXT,
		error_message      TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS facedetect.facial_areas (
		id          UUID PRIMARY KEY,
		job_id      UUID NOT NULL REFERENCES facedetect.detection_jobs(id) ON DELETE CASCADE,
		face_index  INTEGER NOT NULL,
		x           INTEGER NOT NULL,
		y           INTEGER NOT NULL,
		w           INTEGER NOT NULL,
		h           INTEGER NOT NULL,
		left_eye_x  INTEGER,
		left_eye_y  INTEGER,
		right_eye_x INTEGER,
		right_eye_y INTEGER,
		confidence  NUMERIC(5,4) NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS facial_areas_job_id_idx ON facedetect.facial_areas (job_id, face_index);
`

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to
// [0.0, 1.0] so it fits NUMERIC(5,4) (e.g. 0.9632000000000001 -> 0.9632).
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// controlEscapePattern matches a backslash run followed by u00XX; only an odd
// run ends in a real escape, an even run is escaped backslashes plus text.
var controlEscapePattern = regexp.MustCompile(`(\\+)u00([01][0-9a-fA-F])`)

// sanitizeJSONForPostgres strips \u0000 escapes, which JSONB rejects, and
// replaces other control character escapes with a space.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	return controlEscapePattern.ReplaceAllFunc(jsonBytes, func(m []byte) []byte {
		sub := controlEscapePattern.FindSubmatch(m)
		slashes, hex := sub[1], sub[2]
		if len(slashes)%2 == 0 {
			return m
		}
		out := append([]byte{}, slashes[:len(slashes)-1]...)
		if string(hex) == "00" {
			return out
		}
		return append(out, ' ')
	})
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the facedetect schema and tables if missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure facedetect schema: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts the job row. The worker may see a job before the
// API has written it, so the first status update creates the record.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	sanitizedConfidence := sanitizeConfidence(update.MaxConfidence)

	metadata := update.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	query := `
		INSERT INTO facedetect.detection_jobs (
			id, user_id, filename, mime_type, file_size,
			status, faces_detected, max_confidence, detector, processing_time_ms,
			error_code, error_message, metadata,
			created_at, updated_at
		) VALUES (
			$1::uuid, COALESCE(NULLIF($13, ''), 'anonymous'), NULLIF($10, ''),
			NULLIF($11, ''), NULLIF($12, 0),
			$2, $3, $4::NUMERIC(5,4), NULLIF($5, ''), NULLIF($6, 0),
			NULLIF($7, ''), NULLIF($8, ''),
			COALESCE($9::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			faces_detected = CASE
				WHEN EXCLUDED.status = 'completed' THEN EXCLUDED.faces_detected
				ELSE facedetect.detection_jobs.faces_detected
			END,
			max_confidence = CASE
				WHEN EXCLUDED.status = 'completed' THEN EXCLUDED.max_confidence
				ELSE facedetect.detection_jobs.max_confidence
			END,
			detector = COALESCE(EXCLUDED.detector, facedetect.detection_jobs.detector),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, facedetect.detection_jobs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = facedetect.detection_jobs.metadata || EXCLUDED.metadata,
			filename = COALESCE(EXCLUDED.filename, facedetect.detection_jobs.filename),
			mime_type = COALESCE(EXCLUDED.mime_type, facedetect.detection_jobs.mime_type),
			file_size = COALESCE(EXCLUDED.file_size, facedetect.detection_jobs.file_size),
			updated_at = NOW()
		RETURNING id
	`

	var filename, mimeType, userID string
	var fileSize int64
	if update.Metadata != nil {
		if fn, ok := update.Metadata["filename"].(string); ok {
			filename = fn
		}
		if mt, ok := update.Metadata["mimeType"].(string); ok {
			mimeType = mt
		}
		if fs, ok := update.Metadata["fileSize"].(int64); ok {
			fileSize = fs
		} else if fs, ok := update.Metadata["fileSize"].(float64); ok {
			fileSize = int64(fs)
		}
		if uid, ok := update.Metadata["userId"].(string); ok {
			userID = uid
		}
	}

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1 - job_id
		update.Status,           // $2 - status
		update.FacesDetected,    // $3 - faces_detected
		sanitizedConfidence,     // $4 - max_confidence (sanitized to 4 decimals)
		update.Detector,         // $5 - detector
		update.ProcessingTimeMs, // $6 - processing_time_ms
		update.ErrorCode,        // $7 - error_code
		update.ErrorMessage,     // $8 - error_message
		string(metadataJSON),    // $9 - metadata
		filename,                // $10 - filename
		mimeType,                // $11 - mime_type
		fileSize,                // $12 - file_size
		userID,                  // $13 - user_id
	).Scan(&returnedID)

	if err == sql.ErrNoRows {
		return fmt.Errorf("job not found: %s", update.JobID)
	}

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s, confidence=%.4f): %w",
			update.JobID, update.Status, sanitizedConfidence, err)
	}

	return nil
}

// StoreFacialAreas replaces the facial areas of a job in one transaction,
// keeping detection order in face_index. Returns the new row ids.
func (p *PostgresClient) StoreFacialAreas(ctx context.Context, jobID string, regions []detector.FacialAreaRegion) ([]string, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// A retried job must not accumulate duplicate rows
	if _, err := tx.ExecContext(ctx, `DELETE FROM facedetect.facial_areas WHERE job_id = $1::uuid`, jobID); err != nil {
		return nil, fmt.Errorf("failed to clear previous facial areas: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema("facedetect", "facial_areas",
		"id", "job_id", "face_index", "x", "y", "w", "h",
		"left_eye_x", "left_eye_y", "right_eye_x", "right_eye_y", "confidence"))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare facial area copy: %w", err)
	}

	ids := make([]string, 0, len(regions))
	for i, r := range regions {
		id := uuid.New().String()
		leftX, leftY := eyeColumns(r.LeftEye)
		rightX, rightY := eyeColumns(r.RightEye)

		if _, err := stmt.ExecContext(ctx, id, jobID, i, r.X, r.Y, r.W, r.H,
			leftX, leftY, rightX, rightY, sanitizeConfidence(r.Confidence)); err != nil {
			stmt.Close()
			return nil, fmt.Errorf("failed to copy facial area %d: %w", i, err)
		}
		ids = append(ids, id)
	}

	// Flush the COPY buffer
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return nil, fmt.Errorf("failed to flush facial areas: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return nil, fmt.Errorf("failed to close copy statement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit facial areas: %w", err)
	}

	return ids, nil
}

// GetFacialAreas returns the stored facial areas of a job in detection order
func (p *PostgresClient) GetFacialAreas(ctx context.Context, jobID string) ([]detector.FacialAreaRegion, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	var rows []facialAreaRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT x, y, w, h, left_eye_x, left_eye_y, right_eye_x, right_eye_y, confidence
		FROM facedetect.facial_areas
		WHERE job_id = $1::uuid
		ORDER BY face_index
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query facial areas: %w", err)
	}

	regions := make([]detector.FacialAreaRegion, 0, len(rows))
	for _, row := range rows {
		regions = append(regions, row.region())
	}
	return regions, nil
}

type facialAreaRow struct {
	X          int           `db:"x"`
	Y          int           `db:"y"`
	W          int           `db:"w"`
	H          int           `db:"h"`
	LeftEyeX   sql.NullInt64 `db:"left_eye_x"`
	LeftEyeY   sql.NullInt64 `db:"left_eye_y"`
	RightEyeX  sql.NullInt64 `db:"right_eye_x"`
	RightEyeY  sql.NullInt64 `db:"right_eye_y"`
	Confidence float64       `db:"confidence"`
}

func (r facialAreaRow) region() detector.FacialAreaRegion {
	return detector.FacialAreaRegion{
		X:          r.X,
		Y:          r.Y,
		W:          r.W,
		H:          r.H,
		LeftEye:    eyePoint(r.LeftEyeX, r.LeftEyeY),
		RightEye:   eyePoint(r.RightEyeX, r.RightEyeY),
		Confidence: r.Confidence,
	}
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, user_id, filename, mime_type, file_size, status,
			faces_detected, max_confidence, detector, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		FROM facedetect.detection_jobs
		WHERE id = $1::uuid
	`

	var (
		id, userID, status               string
		filename, mimeType, detectorName sql.NullString
		errorCode, errorMessage          sql.NullString
		fileSize, processingTimeMs       sql.NullInt64
		facesDetected                    sql.NullInt64
		maxConfidence                    sql.NullFloat64
		metadataJSON                     []byte
		createdAt, updatedAt             time.Time
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&id, &userID, &filename, &mimeType, &fileSize, &status,
		&facesDetected, &maxConfidence, &detectorName, &processingTimeMs,
		&errorCode, &errorMessage, &metadataJSON, &createdAt, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var metadata map[string]interface{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	result := map[string]interface{}{
		"id":        id,
		"userId":    userID,
		"status":    status,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
		"metadata":  metadata,
	}

	if filename.Valid {
		result["filename"] = filename.String
	}
	if mimeType.Valid {
		result["mimeType"] = mimeType.String
	}
	if fileSize.Valid {
		result["fileSize"] = fileSize.Int64
	}
	if facesDetected.Valid {
		result["facesDetected"] = facesDetected.Int64
	}
	if maxConfidence.Valid {
		result["maxConfidence"] = maxConfidence.Float64
	}
	if detectorName.Valid {
		result["detector"] = detectorName.String
	}
	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
	}
	if errorCode.Valid {
		result["errorCode"] = errorCode.String
	}
	if errorMessage.Valid {
		result["errorMessage"] = errorMessage.String
	}

	return result, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() map[string]interface{} {
	stats := p.db.Stats()
	return map[string]interface{}{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration":        stats.WaitDuration.String(),
	}
}

func eyeColumns(p *detector.Point) (interface{}, interface{}) {
	if p == nil {
		return nil, nil
	}
	return p.X, p.Y
}

func eyePoint(x, y sql.NullInt64) *detector.Point {
	if !x.Valid || !y.Valid {
		return nil
	}
	return &detector.Point{X: int(x.Int64), Y: int(y.Int64)}
}
