// Package credentials loads the host credential bundle and narrows it to what
// a single conversation is allowed to see.
package credentials

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/subosito/gotenv"
	"github.com/zeebo/blake3"

	"github.com/xaenox/sandbot/pkg/config"
)

// Bundle maps credential names to their values.
type Bundle map[string]string

// Keys returns the credential names in sorted order.
func (b Bundle) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Source provides the current credential bundle. Implementations must read
// fresh state on every call so configuration edits apply to the next run.
type Source interface {
	Load() (Bundle, error)
}

// FileSource reads a dotenv file and an optional age-sealed dotenv bundle.
// Sealed values win over plain ones.
type FileSource struct {
	EnvFile      string
	SealedFile   string
	IdentityFile string
}

func NewFileSource(cfg config.CredentialsConfig) *FileSource {
	return &FileSource{
		EnvFile:      cfg.EnvFile,
		SealedFile:   cfg.SealedFile,
		IdentityFile: cfg.IdentityFile,
	}
}

func (s *FileSource) Load() (Bundle, error) {
	bundle := Bundle{}
	if s.EnvFile != "" {
		plain, err := LoadEnvFile(s.EnvFile)
		if err != nil {
			return nil, err
		}
		for k, v := range plain {
			bundle[k] = v
		}
	}
	if s.SealedFile != "" {
		sealed, err := LoadSealed(s.SealedFile, s.IdentityFile)
		if err != nil {
			return nil, err
		}
		for k, v := range sealed {
			bundle[k] = v
		}
	}
	return bundle, nil
}

// LoadEnvFile parses a dotenv file. A missing file yields an empty bundle.
func LoadEnvFile(path string) (Bundle, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Bundle{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open env file: %w", err)
	}
	defer f.Close()

	env, err := gotenv.StrictParse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse env file %s: %w", path, err)
	}
	return Bundle(env), nil
}

// LoadSealed decrypts an age-encrypted dotenv bundle (binary or ASCII armored)
// with the identities found in identityPath.
func LoadSealed(path, identityPath string) (Bundle, error) {
	if identityPath == "" {
		return nil, errors.New("sealed credentials require an identity file")
	}
	keyFile, err := os.Open(identityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity file: %w", err)
	}
	defer keyFile.Close()

	identities, err := age.ParseIdentities(keyFile)
	if err != nil {
		return nil, fmt.Errorf("parsing identities: %w", err)
	}

	sealed, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed bundle: %w", err)
	}
	defer sealed.Close()

	var in io.Reader = bufio.NewReader(sealed)
	peek, _ := in.(*bufio.Reader).Peek(len(armor.Header))
	if string(peek) == armor.Header {
		in = armor.NewReader(in)
	}

	plain, err := age.Decrypt(in, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", path, err)
	}
	env, err := gotenv.StrictParse(plain)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sealed bundle: %w", err)
	}
	return Bundle(env), nil
}

// Scoper decides which credentials each conversation receives.
type Scoper struct {
	baseline []string
	scopes   map[string][]string
}

func NewScoper(cfg config.CredentialsConfig) *Scoper {
	return &Scoper{baseline: cfg.Baseline, scopes: cfg.Scopes}
}

// Scope returns the subset of all visible to a conversation. The main
// conversation sees everything; others get the baseline plus the keys of each
// granted scope. Unknown scope names are returned separately and otherwise ignored.
func (s *Scoper) Scope(all Bundle, isMain bool, granted []string) (Bundle, []string) {
	if isMain {
		out := make(Bundle, len(all))
		for k, v := range all {
			out[k] = v
		}
		return out, nil
	}

	allowed := make(map[string]bool)
	for _, key := range s.baseline {
		allowed[key] = true
	}
	var unknown []string
	for _, name := range granted {
		keys, ok := s.scopes[strings.ToLower(name)]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		for _, key := range keys {
			allowed[key] = true
		}
	}

	out := Bundle{}
	for key := range allowed {
		if v, ok := all[key]; ok {
			out[key] = v
		}
	}
	return out, unknown
}

// Fingerprint identifies a bundle in logs without revealing any value.
func Fingerprint(b Bundle) string {
	var buf bytes.Buffer
	for _, k := range b.Keys() {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(b[k])
		buf.WriteByte('\n')
	}
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:8])
}

// minScrubLength keeps trivially short values from shredding unrelated text.
const minScrubLength = 4

// Scrub replaces every credential value in text with a named placeholder.
func Scrub(text string, b Bundle) string {
	keys := b.Keys()
	// longest values first so a value containing another is replaced whole
	sort.SliceStable(keys, func(i, j int) bool { return len(b[keys[i]]) > len(b[keys[j]]) })
	for _, k := range keys {
		v := b[k]
		if len(v) < minScrubLength {
			continue
		}
		text = strings.ReplaceAll(text, v, "[REDACTED:"+k+"]")
	}
	return text
}
