// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/turnstile-access/turnstile/lib/blob"
	"github.com/turnstile-access/turnstile/lib/clock"
	"github.com/turnstile-access/turnstile/lib/sqlitepool"
)

const (
	defaultFaceDimensions = 512
	defaultSlotCapacity   = 1000
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	bio_id          TEXT PRIMARY KEY,
	id_number       TEXT NOT NULL DEFAULT '',
	person_name     TEXT NOT NULL DEFAULT '',
	device_id       TEXT NOT NULL,
	from_date       TEXT,
	to_date         TEXT,
	from_time       INTEGER NOT NULL,
	to_time         INTEGER NOT NULL,
	active_days     INTEGER NOT NULL,
	face_vector     BLOB,
	face_image      BLOB,
	finger_template BLOB,
	finger_slot     INTEGER,
	rfid_uid        TEXT,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS credentials_device ON credentials (device_id);
CREATE UNIQUE INDEX IF NOT EXISTS credentials_finger_slot
	ON credentials (device_id, finger_slot) WHERE finger_slot IS NOT NULL;
CREATE INDEX IF NOT EXISTS credentials_rfid
	ON credentials (device_id, rfid_uid) WHERE rfid_uid IS NOT NULL;
`

// Column list shared by every full-record SELECT. scanCredential
// depends on this order.
const credentialColumns = `bio_id, id_number, person_name, device_id,
	from_date, to_date, from_time, to_time, active_days,
	face_vector, face_image, finger_template, finger_slot, rfid_uid, updated_at`

// Config holds the parameters for opening a Store.
type Config struct {
	// Pool is the database. Required. The Store does not close it.
	Pool *sqlitepool.Pool

	// Clock stamps UpdatedAt. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives skipped-payload warnings. Nil discards.
	Logger *slog.Logger

	// FaceDimensions is the required face vector length. Defaults
	// to 512.
	FaceDimensions int

	// SlotCapacity is the number of fingerprint slots on the sensor.
	// Defaults to 1000.
	SlotCapacity int
}

// Store reads and writes credentials. It is safe for concurrent use.
type Store struct {
	pool           *sqlitepool.Pool
	clock          clock.Clock
	logger         *slog.Logger
	faceDimensions int
	slotCapacity   int
}

// Open creates the schema if needed and returns a Store.
func Open(cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("credential: Pool is required")
	}
	store := &Store{
		pool:           cfg.Pool,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		faceDimensions: cfg.FaceDimensions,
		slotCapacity:   cfg.SlotCapacity,
	}
	if store.clock == nil {
		store.clock = clock.Real()
	}
	if store.logger == nil {
		store.logger = slog.New(slog.DiscardHandler)
	}
	if store.faceDimensions <= 0 {
		store.faceDimensions = defaultFaceDimensions
	}
	if store.slotCapacity <= 0 {
		store.slotCapacity = defaultSlotCapacity
	}

	err := cfg.Pool.Write(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, schema, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("credential: creating schema: %w", err)
	}
	return store, nil
}

// SlotCapacity returns the configured number of fingerprint slots.
func (s *Store) SlotCapacity() int { return s.slotCapacity }

// decodedEnrollment is an Enrollment with its payloads decoded and
// validated, ready to be written.
type decodedEnrollment struct {
	face          []float32
	faceImage     []byte
	finger        []byte
	requestedSlot int
	rfid          string
	skipped       []SkippedPayload
}

func (s *Store) decode(enrollment Enrollment) decodedEnrollment {
	var decoded decodedEnrollment
	skip := func(kind PayloadKind, err error) {
		decoded.skipped = append(decoded.skipped, SkippedPayload{Kind: kind, Err: err})
	}

	// A later payload of the same kind replaces an earlier one.
	for _, payload := range enrollment.Payloads {
		switch payload.Kind {
		case PayloadFace:
			raw, err := decodeBase64(payload.Template)
			if err != nil {
				skip(PayloadFace, err)
				continue
			}
			vector, err := decodeVector(raw, s.faceDimensions)
			if err != nil {
				skip(PayloadFace, err)
				continue
			}
			decoded.face = vector
			decoded.faceImage = nil
			if payload.Image != "" {
				image, err := decodeBase64(payload.Image)
				if err != nil {
					// The vector is what matching uses; a bad photo
					// does not cost the person their face credential.
					s.logger.Warn("face image skipped",
						"bio_id", enrollment.BioID,
						"error", err,
					)
				} else {
					decoded.faceImage = image
				}
			}
		case PayloadFinger:
			raw, err := decodeBase64(payload.Template)
			if err != nil {
				skip(PayloadFinger, err)
				continue
			}
			decoded.finger = raw
			decoded.requestedSlot = payload.Slot
		case PayloadIDCard:
			if payload.Template == "" {
				skip(PayloadIDCard, ErrEmptyPayload)
				continue
			}
			decoded.rfid = payload.Template
		default:
			skip(payload.Kind, fmt.Errorf("%w: %q", ErrUnknownPayload, payload.Kind))
		}
	}
	return decoded
}

// Upsert writes enrollment as the complete new state of its BioID.
// Fields absent from enrollment are cleared.
//
// The returned error covers only the record itself (missing identity,
// storage failure). Payload-level failures, including
// [ErrSlotsExhausted], are reported in UpsertResult.Skipped.
func (s *Store) Upsert(ctx context.Context, enrollment Enrollment) (*UpsertResult, error) {
	if enrollment.BioID == "" {
		return nil, fmt.Errorf("credential: upsert: bio id is required")
	}
	if enrollment.DeviceID == "" {
		return nil, fmt.Errorf("credential: upsert %s: device id is required", enrollment.BioID)
	}

	decoded := s.decode(enrollment)
	if enrollment.Window.CrossesMidnight() {
		s.logger.Warn("validity window crosses midnight and will never match",
			"bio_id", enrollment.BioID,
			"from_time", enrollment.Window.FromTime.String(),
			"to_time", enrollment.Window.ToTime.String(),
		)
	}

	faceImage, err := blob.Encode(decoded.faceImage, blob.Zstd)
	if err != nil {
		return nil, fmt.Errorf("credential: upsert %s: %w", enrollment.BioID, err)
	}
	fingerTemplate, err := blob.Encode(decoded.finger, blob.LZ4)
	if err != nil {
		return nil, fmt.Errorf("credential: upsert %s: %w", enrollment.BioID, err)
	}
	updatedAt := s.clock.Now()

	var result *UpsertResult
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		// Rebuilt on every attempt: Write may run this more than once.
		result = &UpsertResult{
			BioID:   enrollment.BioID,
			Skipped: append([]SkippedPayload(nil), decoded.skipped...),
		}

		currentDevice, currentSlot, found, err := currentBinding(conn, enrollment.BioID)
		if err != nil {
			return err
		}
		result.Created = !found

		storedTemplate := fingerTemplate
		slot := 0
		if decoded.finger != nil {
			preferred := decoded.requestedSlot
			if preferred == 0 && currentDevice == enrollment.DeviceID {
				preferred = currentSlot
			}
			slot, err = s.resolveSlot(conn, enrollment.DeviceID, enrollment.BioID, preferred)
			switch {
			case errors.Is(err, ErrSlotsExhausted):
				result.Skipped = append(result.Skipped, SkippedPayload{Kind: PayloadFinger, Err: err})
				storedTemplate = nil
				slot = 0
			case err != nil:
				return err
			}
		}
		result.FingerSlot = slot

		if decoded.face != nil {
			result.Applied = append(result.Applied, PayloadFace)
		}
		if slot > 0 {
			result.Applied = append(result.Applied, PayloadFinger)
		}
		if decoded.rfid != "" {
			result.Applied = append(result.Applied, PayloadIDCard)
		}

		window := enrollment.Window
		return sqlitex.Execute(conn, `
			INSERT INTO credentials (`+credentialColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (bio_id) DO UPDATE SET
				id_number = excluded.id_number,
				person_name = excluded.person_name,
				device_id = excluded.device_id,
				from_date = excluded.from_date,
				to_date = excluded.to_date,
				from_time = excluded.from_time,
				to_time = excluded.to_time,
				active_days = excluded.active_days,
				face_vector = excluded.face_vector,
				face_image = excluded.face_image,
				finger_template = excluded.finger_template,
				finger_slot = excluded.finger_slot,
				rfid_uid = excluded.rfid_uid,
				updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{
				Args: []any{
					enrollment.BioID,
					enrollment.IDNumber,
					enrollment.PersonName,
					enrollment.DeviceID,
					nullableText(window.FromDate.String()),
					nullableText(window.ToDate.String()),
					int(window.FromTime),
					int(window.ToTime),
					int(window.Days),
					nullableBytes(encodeVector(decoded.face)),
					nullableBytes(faceImage),
					nullableBytes(storedTemplate),
					nullableInt(slot),
					nullableText(decoded.rfid),
					updatedAt.UnixNano(),
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("credential: upsert %s: %w", enrollment.BioID, err)
	}

	for _, kind := range result.Applied {
		payloadsTotal.WithLabelValues(string(kind), "applied").Inc()
	}
	for _, skipped := range result.Skipped {
		payloadsTotal.WithLabelValues(string(skipped.Kind), "skipped").Inc()
		s.logger.Warn("credential payload skipped",
			"bio_id", enrollment.BioID,
			"payload", string(skipped.Kind),
			"error", skipped.Err,
		)
	}
	return result, nil
}

// currentBinding returns the device and fingerprint slot bioID is
// currently stored with.
func currentBinding(conn *sqlite.Conn, bioID string) (deviceID string, slot int, found bool, err error) {
	err = sqlitex.Execute(conn,
		"SELECT device_id, finger_slot FROM credentials WHERE bio_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{bioID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				deviceID = stmt.ColumnText(0)
				slot = stmt.ColumnInt(1)
				return nil
			},
		})
	return deviceID, slot, found, err
}

// Delete removes bioID. Deleting an unknown BioID returns 0 and no
// error.
func (s *Store) Delete(ctx context.Context, bioID string) (int, error) {
	var count int
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn,
			"DELETE FROM credentials WHERE bio_id = ?",
			&sqlitex.ExecOptions{Args: []any{bioID}}); err != nil {
			return err
		}
		count = conn.Changes()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("credential: delete %s: %w", bioID, err)
	}
	return count, nil
}

// DeleteAllForDevice removes every credential owned by deviceID.
func (s *Store) DeleteAllForDevice(ctx context.Context, deviceID string) (int, error) {
	var count int
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn,
			"DELETE FROM credentials WHERE device_id = ?",
			&sqlitex.ExecOptions{Args: []any{deviceID}}); err != nil {
			return err
		}
		count = conn.Changes()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("credential: delete all for %s: %w", deviceID, err)
	}
	return count, nil
}

// CredentialByBioID returns the stored record without any validity
// check.
func (s *Store) CredentialByBioID(ctx context.Context, bioID string) (*Credential, error) {
	return s.queryOne(ctx, "bio_id = ?", bioID)
}

// CredentialByFingerSlot returns the credential bound to slot on
// deviceID, without a validity check.
func (s *Store) CredentialByFingerSlot(ctx context.Context, deviceID string, slot int) (*Credential, error) {
	return s.queryOne(ctx, "device_id = ? AND finger_slot = ?", deviceID, slot)
}

// CredentialByRFID returns the credential carrying card uid on
// deviceID. When several records carry the same card, the earliest
// enrolled one whose window admits at wins; if none does, the
// earliest enrolled is returned so the caller can report it.
func (s *Store) CredentialByRFID(ctx context.Context, deviceID, uid string, at time.Time) (*Credential, error) {
	var chosen *Credential
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT "+credentialColumns+" FROM credentials WHERE device_id = ? AND rfid_uid = ? ORDER BY rowid",
			&sqlitex.ExecOptions{
				Args: []any{deviceID, uid},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					if chosen != nil && chosen.Window.Active(at) {
						return nil
					}
					candidate, err := scanCredential(stmt)
					if err != nil {
						return err
					}
					if chosen == nil || candidate.Window.Active(at) {
						chosen = candidate
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("credential: rfid %s: %w", uid, err)
	}
	if chosen == nil {
		return nil, ErrNotFound
	}
	return chosen, nil
}

// List returns every credential on deviceID in enrollment order.
func (s *Store) List(ctx context.Context, deviceID string) ([]Credential, error) {
	var credentials []Credential
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT "+credentialColumns+" FROM credentials WHERE device_id = ? ORDER BY rowid",
			&sqlitex.ExecOptions{
				Args: []any{deviceID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					credential, err := scanCredential(stmt)
					if err != nil {
						return err
					}
					credentials = append(credentials, *credential)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("credential: list %s: %w", deviceID, err)
	}
	return credentials, nil
}

// Count returns the number of credentials on deviceID.
func (s *Store) Count(ctx context.Context, deviceID string) (int, error) {
	var count int
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT COUNT(*) FROM credentials WHERE device_id = ?",
			&sqlitex.ExecOptions{
				Args: []any{deviceID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					count = stmt.ColumnInt(0)
					return nil
				},
			})
	})
	if err != nil {
		return 0, fmt.Errorf("credential: count %s: %w", deviceID, err)
	}
	return count, nil
}

// ActiveFaceCredentials returns the face candidates on deviceID whose
// window admits now, in enrollment order.
func (s *Store) ActiveFaceCredentials(ctx context.Context, deviceID string, now time.Time) ([]FaceCandidate, error) {
	var candidates []FaceCandidate
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT bio_id, person_name, face_vector,
				from_date, to_date, from_time, to_time, active_days
			FROM credentials
			WHERE device_id = ? AND face_vector IS NOT NULL
			ORDER BY rowid`,
			&sqlitex.ExecOptions{
				Args: []any{deviceID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					window, err := scanWindow(stmt, 3)
					if err != nil {
						return err
					}
					if !window.Active(now) {
						return nil
					}
					vector, err := decodeVector(columnBytes(stmt, 2), 0)
					if err != nil {
						return err
					}
					candidates = append(candidates, FaceCandidate{
						BioID:      stmt.ColumnText(0),
						PersonName: stmt.ColumnText(1),
						Vector:     vector,
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("credential: active faces for %s: %w", deviceID, err)
	}
	return candidates, nil
}

func (s *Store) queryOne(ctx context.Context, where string, args ...any) (*Credential, error) {
	var credential *Credential
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT "+credentialColumns+" FROM credentials WHERE "+where+" ORDER BY rowid LIMIT 1",
			&sqlitex.ExecOptions{
				Args: args,
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var err error
					credential, err = scanCredential(stmt)
					return err
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("credential: query: %w", err)
	}
	if credential == nil {
		return nil, ErrNotFound
	}
	return credential, nil
}

// scanCredential maps one row selected with credentialColumns.
func scanCredential(stmt *sqlite.Stmt) (*Credential, error) {
	window, err := scanWindow(stmt, 4)
	if err != nil {
		return nil, err
	}
	face, err := decodeVector(columnBytes(stmt, 9), 0)
	if err != nil {
		return nil, err
	}
	faceImage, err := blob.Decode(columnBytes(stmt, 10))
	if err != nil {
		return nil, fmt.Errorf("face image of %s: %w", stmt.ColumnText(0), err)
	}
	fingerTemplate, err := blob.Decode(columnBytes(stmt, 11))
	if err != nil {
		return nil, fmt.Errorf("finger template of %s: %w", stmt.ColumnText(0), err)
	}
	return &Credential{
		BioID:          stmt.ColumnText(0),
		IDNumber:       stmt.ColumnText(1),
		PersonName:     stmt.ColumnText(2),
		DeviceID:       stmt.ColumnText(3),
		Window:         window,
		Face:           face,
		FaceImage:      faceImage,
		FingerTemplate: fingerTemplate,
		FingerSlot:     stmt.ColumnInt(12),
		RFID:           stmt.ColumnText(13),
		UpdatedAt:      time.Unix(0, stmt.ColumnInt64(14)).UTC(),
	}, nil
}

// scanWindow reads the five window columns starting at first.
func scanWindow(stmt *sqlite.Stmt, first int) (Window, error) {
	fromDate, err := ParseDate(stmt.ColumnText(first))
	if err != nil {
		return Window{}, err
	}
	toDate, err := ParseDate(stmt.ColumnText(first + 1))
	if err != nil {
		return Window{}, err
	}
	return Window{
		FromDate: fromDate,
		ToDate:   toDate,
		FromTime: TimeOfDay(stmt.ColumnInt(first + 2)),
		ToTime:   TimeOfDay(stmt.ColumnInt(first + 3)),
		Days:     DaysMask(stmt.ColumnInt(first + 4)),
	}, nil
}

// columnBytes copies a BLOB column. NULL and empty read as nil.
func columnBytes(stmt *sqlite.Stmt, column int) []byte {
	length := stmt.ColumnLen(column)
	if stmt.ColumnType(column) == sqlite.TypeNull || length == 0 {
		return nil
	}
	destination := make([]byte, length)
	stmt.ColumnBytes(column, destination)
	return destination
}

// decodeBase64 accepts padded and unpadded standard encoding.
func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, ErrEmptyPayload
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(value); rawErr == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("credential: invalid base64: %w", err)
}

// decodeVector interprets raw as little-endian float32 values. A
// positive dimensions requires exactly that many values.
func decodeVector(raw []byte, dimensions int) ([]float32, error) {
	if raw == nil {
		return nil, nil
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of float32 values", ErrFaceDimensions, len(raw))
	}
	if dimensions > 0 && len(raw) != dimensions*4 {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrFaceDimensions, len(raw)/4, dimensions)
	}
	vector := make([]float32, len(raw)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vector, nil
}

// EncodeVector is the inverse of the face template decoding: the
// little-endian float32 bytes of vector. Enrollment stations use it to
// build FACE payloads.
func EncodeVector(vector []float32) []byte {
	return encodeVector(vector)
}

func encodeVector(vector []float32) []byte {
	if len(vector) == 0 {
		return nil
	}
	raw := make([]byte, len(vector)*4)
	for i, value := range vector {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(value))
	}
	return raw
}

func nullableText(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableBytes(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return value
}

func nullableInt(value int) any {
	if value == 0 {
		return nil
	}
	return value
}
