package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/FlowPilot/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanFlow scans a Flow row, decoding the keywords and nodes JSON columns.
func scanFlow(row rowScanner) (models.Flow, error) {
	var f models.Flow
	var keywordsJSON, nodesJSON sql.NullString
	err := row.Scan(
		&f.ID, &f.AccountID, &f.Title, &f.Trigger.Kind, &keywordsJSON,
		&f.Active, &nodesJSON, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return f, err
	}
	if keywordsJSON.Valid && keywordsJSON.String != "" {
		if err := json.Unmarshal([]byte(keywordsJSON.String), &f.Trigger.Keywords); err != nil {
			return f, fmt.Errorf("decode flow keywords failed: %w", err)
		}
	}
	if nodesJSON.Valid && nodesJSON.String != "" {
		if err := json.Unmarshal([]byte(nodesJSON.String), &f.Nodes); err != nil {
			return f, fmt.Errorf("decode flow nodes failed: %w", err)
		}
	}
	return f, nil
}

// scanSession scans a Session row, decoding the vars JSON column.
func scanSession(row rowScanner) (models.Session, error) {
	var sess models.Session
	var currentNode, varsJSON, commentID, postID, username, lastError sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&sess.ID, &sess.AccountID, &sess.UserID, &sess.FlowID,
		&currentNode, &sess.Status, &varsJSON, &commentID, &postID, &username,
		&sess.SentDM, &sess.LastAdvancedAt, &completedAt,
		&sess.CreatedAt, &sess.UpdatedAt, &lastError,
	)
	if err != nil {
		return sess, err
	}
	sess.CurrentNodeID = currentNode.String
	sess.TriggerCommentID = commentID.String
	sess.TriggerPostID = postID.String
	sess.Username = username.String
	sess.LastError = lastError.String
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	if varsJSON.Valid && varsJSON.String != "" {
		sess.Vars = make(map[string]string)
		if err := json.Unmarshal([]byte(varsJSON.String), &sess.Vars); err != nil {
			return sess, fmt.Errorf("decode session vars failed: %w", err)
		}
	}
	return sess, nil
}

// scanDeferred scans a DeferredEntry row.
func scanDeferred(row rowScanner) (models.DeferredEntry, error) {
	var e models.DeferredEntry
	var lastError sql.NullString
	var nextAttemptAt, claimedAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.AccountID, &e.Kind, &e.PayloadJSON, &e.Status, &e.Attempts,
		&lastError, &e.EnqueuedAt, &nextAttemptAt, &claimedAt, &e.UpdatedAt,
	)
	if err != nil {
		return e, err
	}
	e.LastError = lastError.String
	if nextAttemptAt.Valid {
		e.NextAttemptAt = &nextAttemptAt.Time
	}
	if claimedAt.Valid {
		e.ClaimedAt = &claimedAt.Time
	}
	return e, nil
}

// encodeJSON marshals v, returning an empty string for nil-ish values.
func encodeJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
