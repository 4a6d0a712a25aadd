package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

const (
	// StateCookiePrefix names the ephemeral cookies holding encrypted
	// state records: one cookie per in-flight authorization attempt,
	// suffixed with the random state value.
	StateCookiePrefix = "smart_oauth_"

	// StateTTL bounds how long an authorization attempt may stay in
	// flight. Enforced at the application level on top of whatever expiry
	// the storage itself applies.
	StateTTL = 5 * time.Minute
)

// StateStore parks an encrypted StateRecord between the authorize redirect
// and the callback. Records are keyed only by the unguessable state value
// and are consumed exactly once: after a Take, successful or not, the same
// state never resolves again.
type StateStore interface {
	Put(c echo.Context, state string, rec *StateRecord) error
	Take(c echo.Context, state string) (*StateRecord, error)
}

// CookieStateStore keeps the record in a short-lived SameSite=Lax cookie on
// the user agent that started the flow. The server holds nothing; the
// browser carries the ciphertext back on the callback.
type CookieStateStore struct {
	cipher *Cipher
	secure bool
}

func NewCookieStateStore(cipher *Cipher, secure bool) *CookieStateStore {
	return &CookieStateStore{cipher: cipher, secure: secure}
}

func (s *CookieStateStore) Put(c echo.Context, state string, rec *StateRecord) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = nowMillis()
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("could not marshal state record: %w", err)
	}

	enc, err := s.cipher.Encrypt(string(b))
	if err != nil {
		return fmt.Errorf("could not encrypt state record: %w", err)
	}

	c.SetCookie(&http.Cookie{
		Name:     StateCookiePrefix + state,
		Value:    enc,
		Path:     "/",
		MaxAge:   int(StateTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})

	return nil
}

func (s *CookieStateStore) Take(c echo.Context, state string) (*StateRecord, error) {
	name := StateCookiePrefix + state

	ck, err := c.Cookie(name)
	if err != nil {
		return nil, ErrStateNotFound
	}

	// Expire the cookie before anything can fail so a replayed callback
	// never sees the record again.
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})

	plain, err := s.cipher.Decrypt(ck.Value)
	if err != nil {
		return nil, ErrStateNotFound
	}

	var rec StateRecord
	if err := json.Unmarshal([]byte(plain), &rec); err != nil {
		return nil, ErrStateNotFound
	}

	if nowMillis()-rec.CreatedAt > StateTTL.Milliseconds() {
		return nil, ErrStateExpired
	}

	return &rec, nil
}

type oauthStateRow struct {
	ID        uint
	State     string `gorm:"uniqueIndex"`
	Payload   string
	CreatedAt time.Time
}

func (oauthStateRow) TableName() string {
	return "oauth_states"
}

// GormStateStore keeps records server-side, one row per attempt. Take runs
// in a transaction and checks the delete's row count, so two concurrent
// callbacks racing on the same state cannot both win.
type GormStateStore struct {
	db     *gorm.DB
	cipher *Cipher
}

func NewGormStateStore(db *gorm.DB, cipher *Cipher) (*GormStateStore, error) {
	if err := db.AutoMigrate(&oauthStateRow{}); err != nil {
		return nil, fmt.Errorf("could not migrate oauth state table: %w", err)
	}

	return &GormStateStore{db: db, cipher: cipher}, nil
}

func (s *GormStateStore) Put(_ echo.Context, state string, rec *StateRecord) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = nowMillis()
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("could not marshal state record: %w", err)
	}

	enc, err := s.cipher.Encrypt(string(b))
	if err != nil {
		return fmt.Errorf("could not encrypt state record: %w", err)
	}

	// Opportunistic sweep of abandoned attempts.
	s.db.Exec("DELETE FROM oauth_states WHERE created_at < ?", time.Now().Add(-StateTTL))

	return s.db.Create(&oauthStateRow{State: state, Payload: enc}).Error
}

func (s *GormStateStore) Take(_ echo.Context, state string) (*StateRecord, error) {
	var row oauthStateRow

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw("SELECT * FROM oauth_states WHERE state = ?", state).Scan(&row).Error; err != nil {
			return err
		}

		res := tx.Exec("DELETE FROM oauth_states WHERE state = ?", state)
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			return ErrStateNotFound
		}

		return nil
	})
	if err != nil {
		return nil, ErrStateNotFound
	}

	if row.State == "" {
		return nil, ErrStateNotFound
	}

	plain, err := s.cipher.Decrypt(row.Payload)
	if err != nil {
		return nil, ErrStateNotFound
	}

	var rec StateRecord
	if err := json.Unmarshal([]byte(plain), &rec); err != nil {
		return nil, ErrStateNotFound
	}

	if nowMillis()-rec.CreatedAt > StateTTL.Milliseconds() {
		return nil, ErrStateExpired
	}

	return &rec, nil
}
