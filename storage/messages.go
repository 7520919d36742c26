package storage

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"duckchat/crypto"
	"duckchat/models"
)

const messageColumns = `
	id,
	local_id,
	sender_id,
	receiver_id,
	content,
	iv,
	attachments,
	is_read,
	is_delivered,
	version,
	edited,
	created_at,
	updated_at`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// storedMessage is a row as persisted: Content holds hex ciphertext.
type storedMessage struct {
	models.Message
	IV string
}

// Exists reports whether a record with id is stored, without decrypting it.
func (s *Store) Exists(id string) (bool, error) {
	if id == "" {
		return false, errors.New("message id is required")
	}
	return existsIn(s.db, id)
}

// PutMessage stores message encrypted under cipher unless a record with the
// same id already exists, in which case nothing is encrypted or written.
// It reports whether a new row was written.
func (s *Store) PutMessage(message models.Message, cipher ContentCipher) (bool, error) {
	if err := validateMessage(message); err != nil {
		return false, err
	}

	exists, err := existsIn(s.db, message.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	sealed, err := cipher.Encrypt(message.Content)
	if err != nil {
		return false, errors.Wrapf(err, "encrypt message %q", message.ID)
	}

	return insertMessage(s.db, message, sealed)
}

// PutMessages stores every message not already present in one transaction.
// A message that fails validation or encryption is logged and skipped; storage
// errors abort the batch. It returns the number of rows written.
func (s *Store) PutMessages(messages []models.Message, cipher ContentCipher) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "begin put messages transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	seen := make(map[string]struct{}, len(messages))
	stored := 0
	for _, message := range messages {
		if err := validateMessage(message); err != nil {
			s.log.Warn().Err(err).Str("message_id", message.ID).Msg("Skipping invalid message")
			continue
		}
		if _, dup := seen[message.ID]; dup {
			continue
		}
		seen[message.ID] = struct{}{}

		exists, err := existsIn(tx, message.ID)
		if err != nil {
			return 0, err
		}
		if exists {
			continue
		}

		sealed, err := cipher.Encrypt(message.Content)
		if err != nil {
			s.log.Warn().Err(err).Str("message_id", message.ID).Msg("Failed to encrypt message, skipping")
			continue
		}

		inserted, err := insertMessage(tx, message, sealed)
		if err != nil {
			return 0, err
		}
		if inserted {
			stored++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit put messages transaction")
	}
	return stored, nil
}

// GetMessage returns the decrypted message with id, or ErrNotFound. A record
// that fails to decrypt is returned with placeholder content.
func (s *Store) GetMessage(id string, cipher ContentCipher) (*models.Message, error) {
	if id == "" {
		return nil, errors.New("message id is required")
	}

	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	stored, err := scanStoredMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get message %q", id)
	}

	message := s.openMessage(stored, cipher)
	return &message, nil
}

// GetConversation returns every message exchanged between userA and userB in
// either direction, decrypted and ordered by creation time.
func (s *Store) GetConversation(userA, userB int64, cipher ContentCipher) ([]models.Message, error) {
	low, high := pair(userA, userB)

	rows, err := s.db.Query(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE pair_low = ? AND pair_high = ?
		ORDER BY created_at ASC, id ASC`,
		low,
		high,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "get conversation %d/%d", userA, userB)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		stored, err := scanStoredMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan message row")
		}
		messages = append(messages, s.openMessage(stored, cipher))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate message rows")
	}

	return messages, nil
}

// SwapID rewrites the key of a stored message from oldID to newID.
//
// If newID is already stored the record under oldID is dropped, since both
// describe the same logical message. If only newID exists the swap already
// happened and nothing is done.
func (s *Store) SwapID(oldID, newID string) error {
	return s.swap(oldID, newID, nil)
}

// ConfirmMessage swaps oldID to confirmed.ID and adopts the server metadata
// of confirmed. Stored content is left untouched.
func (s *Store) ConfirmMessage(oldID string, confirmed models.Message) error {
	return s.swap(oldID, confirmed.ID, &confirmed)
}

func (s *Store) swap(oldID, newID string, meta *models.Message) error {
	if oldID == "" || newID == "" {
		return errors.New("old and new message ids are required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin swap transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	oldExists, err := existsIn(tx, oldID)
	if err != nil {
		return err
	}
	if oldID == newID {
		if !oldExists {
			return ErrNotFound
		}
		return nil
	}
	newExists, err := existsIn(tx, newID)
	if err != nil {
		return err
	}

	switch {
	case !oldExists && !newExists:
		return ErrNotFound
	case !oldExists:
	case newExists:
		if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, oldID); err != nil {
			return errors.Wrapf(err, "drop superseded message %q", oldID)
		}
	default:
		if _, err := tx.Exec(
			`UPDATE messages SET id = ?, local_id = '' WHERE id = ?`,
			newID,
			oldID,
		); err != nil {
			return errors.Wrapf(err, "swap message id %q -> %q", oldID, newID)
		}
		if meta != nil {
			if err := applyServerMetadata(tx, newID, *meta); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit swap transaction")
	}
	return nil
}

// DeleteMessage removes the record with id.
func (s *Store) DeleteMessage(id string) error {
	if id == "" {
		return errors.New("message id is required")
	}

	res, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete message %q", id)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "read rows affected for delete %q", id)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// FindLocalNear returns the unconfirmed sent record from senderID to
// receiverID whose creation time is closest to at, within tolerance on either
// side. Confirmed records and ids in exclude are never matched. It returns
// ErrNotFound when nothing qualifies.
//
// The match is a heuristic: two unconfirmed sends to the same contact within
// tolerance of each other can be paired with the wrong server record. Callers
// should exclude records whose send is still in progress.
func (s *Store) FindLocalNear(senderID, receiverID int64, at time.Time, tolerance time.Duration, exclude []string, cipher ContentCipher) (*models.Message, error) {
	if tolerance < 0 {
		tolerance = -tolerance
	}
	target := at.UnixMilli()
	window := tolerance.Milliseconds()

	args := []any{senderID, receiverID, models.LocalIDPrefix + "%", target - window, target + window}
	excludeClause := ""
	if len(exclude) > 0 {
		excludeClause = "AND id NOT IN (?" + strings.Repeat(", ?", len(exclude)-1) + ")"
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	args = append(args, target)

	row := s.db.QueryRow(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE sender_id = ? AND receiver_id = ?
		  AND id LIKE ?
		  AND created_at BETWEEN ? AND ?
		  `+excludeClause+`
		ORDER BY ABS(created_at - ?) ASC, created_at ASC
		LIMIT 1`,
		args...,
	)

	stored, err := scanStoredMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "find local message near timestamp")
	}

	message := s.openMessage(stored, cipher)
	return &message, nil
}

func (s *Store) openMessage(stored *storedMessage, cipher ContentCipher) models.Message {
	message := stored.Message

	sealed, err := crypto.SealedFromHex(stored.Content, stored.IV)
	if err == nil {
		message.Content, err = cipher.Decrypt(sealed)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("message_id", message.ID).Msg("Failed to decrypt stored message")
		message.Content = models.PlaceholderUndecryptable
	}
	return message
}

func validateMessage(message models.Message) error {
	if message.ID == "" {
		return errors.New("message id is required")
	}
	if message.SenderID == 0 || message.ReceiverID == 0 {
		return errors.Errorf("message %q: sender and receiver are required", message.ID)
	}
	return nil
}

func existsIn(q execer, id string) (bool, error) {
	var exists int
	if err := q.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM messages WHERE id = ?)`,
		id,
	).Scan(&exists); err != nil {
		return false, errors.Wrapf(err, "check message %q exists", id)
	}
	return exists == 1, nil
}

func insertMessage(q execer, message models.Message, sealed crypto.Sealed) (bool, error) {
	attachments := message.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	rawAttachments, err := json.Marshal(attachments)
	if err != nil {
		return false, errors.Wrapf(err, "encode attachments for message %q", message.ID)
	}

	version := message.Version
	if version == 0 {
		version = 1
	}
	createdAt := toUnixMilli(message.CreatedAt)
	updatedAt := createdAt
	if !message.UpdatedAt.IsZero() {
		updatedAt = message.UpdatedAt.UnixMilli()
	}
	low, high := pair(message.SenderID, message.ReceiverID)

	res, err := q.Exec(
		`INSERT INTO messages (
			id,
			local_id,
			sender_id,
			receiver_id,
			pair_low,
			pair_high,
			content,
			iv,
			attachments,
			is_read,
			is_delivered,
			version,
			edited,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		message.ID,
		message.LocalID,
		message.SenderID,
		message.ReceiverID,
		low,
		high,
		sealed.HexCiphertext(),
		sealed.HexNonce(),
		string(rawAttachments),
		boolToInt(message.IsRead),
		boolToInt(message.IsDelivered),
		version,
		boolToInt(message.Edited),
		createdAt,
		updatedAt,
	)
	if err != nil {
		return false, errors.Wrapf(err, "insert message %q", message.ID)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "read rows affected for insert %q", message.ID)
	}
	return rowsAffected == 1, nil
}

func applyServerMetadata(q execer, id string, meta models.Message) error {
	var createdAt, updatedAt sql.NullInt64
	if !meta.CreatedAt.IsZero() {
		createdAt = sql.NullInt64{Int64: meta.CreatedAt.UnixMilli(), Valid: true}
	}
	if !meta.UpdatedAt.IsZero() {
		updatedAt = sql.NullInt64{Int64: meta.UpdatedAt.UnixMilli(), Valid: true}
	}
	version := meta.Version
	if version == 0 {
		version = 1
	}

	if _, err := q.Exec(
		`UPDATE messages
		SET is_read = ?,
			is_delivered = ?,
			version = ?,
			edited = ?,
			created_at = COALESCE(?, created_at),
			updated_at = COALESCE(?, updated_at)
		WHERE id = ?`,
		boolToInt(meta.IsRead),
		boolToInt(meta.IsDelivered),
		version,
		boolToInt(meta.Edited),
		createdAt,
		updatedAt,
		id,
	); err != nil {
		return errors.Wrapf(err, "apply server metadata to %q", id)
	}
	return nil
}

func scanStoredMessage(row scanner) (*storedMessage, error) {
	var (
		stored         storedMessage
		rawAttachments string
		isRead         int
		isDelivered    int
		edited         int
		createdAt      int64
		updatedAt      int64
	)

	if err := row.Scan(
		&stored.ID,
		&stored.LocalID,
		&stored.SenderID,
		&stored.ReceiverID,
		&stored.Content,
		&stored.IV,
		&rawAttachments,
		&isRead,
		&isDelivered,
		&stored.Version,
		&edited,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if rawAttachments != "" && rawAttachments != "[]" {
		if err := json.Unmarshal([]byte(rawAttachments), &stored.Attachments); err != nil {
			return nil, errors.Wrapf(err, "decode attachments for message %q", stored.ID)
		}
	}
	stored.IsRead = isRead == 1
	stored.IsDelivered = isDelivered == 1
	stored.Edited = edited == 1
	stored.CreatedAt = fromUnixMilli(createdAt)
	stored.UpdatedAt = fromUnixMilli(updatedAt)

	return &stored, nil
}
