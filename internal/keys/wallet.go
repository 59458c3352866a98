package keys

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// WalletFile is the parsed form of wallet.conf, a line-oriented key=value
// file. Rotation appends lines instead of rewriting, so PublicKeys holds every
// id ever published, oldest first.
type WalletFile struct {
	WalletID     string
	Currency     string
	PublicKeys   []string
	LastRotation int64
}

// Current returns the most recently published public id.
func (w *WalletFile) Current() string {
	if len(w.PublicKeys) == 0 {
		return ""
	}
	return w.PublicKeys[len(w.PublicKeys)-1]
}

// WriteWalletFile creates (or truncates) a wallet file.
func WriteWalletFile(path, walletID, currency, publicID string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "wallet_id=%s\n", walletID)
	fmt.Fprintf(&b, "currency=%s\n", currency)
	fmt.Fprintf(&b, "public_key=%s\n", publicID)
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write wallet file: %w", err)
	}
	return nil
}

// AppendRotation records a newly generated public id.
func AppendRotation(path, publicID string, at time.Time) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open wallet file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "public_key=%s\nrotation_timestamp=%d\n", publicID, at.Unix()); err != nil {
		return fmt.Errorf("append rotation: %w", err)
	}
	return nil
}

func ReadWalletFile(path string) (*WalletFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	w := &WalletFile{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "wallet_id":
			w.WalletID = val
		case "currency":
			w.Currency = val
		case "public_key":
			w.PublicKeys = append(w.PublicKeys, val)
		case "rotation_timestamp":
			if ts, err := strconv.ParseInt(val, 10, 64); err == nil {
				w.LastRotation = ts
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read wallet file: %w", err)
	}
	return w, nil
}

// LoadPublicID reads the current public id from a wallet file. It never
// recovers the secret: a manager that only loaded a public id still cannot
// sign or verify.
func (m *Manager) LoadPublicID(path string) (string, error) {
	w, err := ReadWalletFile(path)
	if err != nil {
		return "", err
	}
	id := w.Current()
	if id == "" {
		return "", errors.New("wallet file has no public_key")
	}
	m.mu.Lock()
	if m.secret == nil {
		m.publicID = id
	}
	m.mu.Unlock()
	return id, nil
}
