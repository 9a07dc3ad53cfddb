package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sauron-health/dispenser/internal/models"
)

// Directory layout under the store root.
const (
	usersDirName      = "users"
	facesDirName      = "faces"
	embeddingsDirName = "embeddings"

	// DefaultDirPermissions applies to created data directories.
	DefaultDirPermissions = 0o755
	// DefaultFilePermissions applies to written record files.
	DefaultFilePermissions = 0o644
)

// FileProfileStore keeps one JSON profile file per user id plus optional
// face photos and embedding templates, mirroring the on-device layout the
// recognition process shares.
type FileProfileStore struct {
	baseDir       string
	usersDir      string
	facesDir      string
	embeddingsDir string
	now           func() time.Time
}

// NewFileProfileStore creates the store rooted at baseDir, creating the
// data directories as needed.
func NewFileProfileStore(baseDir string) (*FileProfileStore, error) {
	s := &FileProfileStore{
		baseDir:       baseDir,
		usersDir:      filepath.Join(baseDir, usersDirName),
		facesDir:      filepath.Join(baseDir, facesDirName),
		embeddingsDir: filepath.Join(baseDir, embeddingsDirName),
		now:           time.Now,
	}
	for _, dir := range []string{s.usersDir, s.facesDir, s.embeddingsDir} {
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}
	slog.Debug("NewFileProfileStore created", "base_dir", baseDir)
	return s, nil
}

// BuildUserID derives a new durable id from a display name: the slugged
// name plus a timestamp suffix.
func (s *FileProfileStore) BuildUserID(name string) string {
	return fmt.Sprintf("%s-%s", models.SlugifyName(name), s.now().UTC().Format("20060102150405"))
}

func (s *FileProfileStore) profilePath(userID string) string {
	return filepath.Join(s.usersDir, userID+".json")
}

func (s *FileProfileStore) embeddingPath(userID string) string {
	return filepath.Join(s.embeddingsDir, userID+".json")
}

// SaveProfile persists the profile, stamping UpdatedAt (and CreatedAt when
// missing). The stored record keeps the legacy fields so older readers of
// the shared data directory stay compatible.
func (s *FileProfileStore) SaveProfile(profile models.UserProfile) (models.UserProfile, error) {
	userID := models.SafeUserID(profile.ID)
	if userID == "" {
		return models.UserProfile{}, models.ErrInvalidUserID
	}
	profile.ID = userID
	nowISO := s.now().UTC().Format(time.RFC3339)
	if strings.TrimSpace(profile.CreatedAt) == "" {
		profile.CreatedAt = nowISO
	}
	profile.UpdatedAt = nowISO

	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("failed to encode profile %s: %w", userID, err)
	}
	if err := os.WriteFile(s.profilePath(userID), data, DefaultFilePermissions); err != nil {
		slog.Error("FileProfileStore.SaveProfile write failed", "error", err, "user_id", userID)
		return models.UserProfile{}, fmt.Errorf("failed to write profile %s: %w", userID, err)
	}
	slog.Debug("FileProfileStore.SaveProfile succeeded", "user_id", userID, "name", profile.Name)
	return profile, nil
}

// LoadProfile reads and normalizes one profile. Unreadable or malformed
// records are treated as not found rather than surfaced as errors, so a
// corrupt file on disk can never wedge the controller.
func (s *FileProfileStore) LoadProfile(userID string) (*models.UserProfile, error) {
	safeID := models.SafeUserID(userID)
	if safeID == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.profilePath(safeID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		slog.Warn("FileProfileStore.LoadProfile read failed, treating as missing", "error", err, "user_id", safeID)
		return nil, nil
	}
	var profile models.UserProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		slog.Warn("FileProfileStore.LoadProfile malformed record, treating as missing", "error", err, "user_id", safeID)
		return nil, nil
	}
	normalized := models.NormalizeProfile(profile)
	if normalized.ID == "" {
		normalized.ID = safeID
	}
	return &normalized, nil
}

// ListProfiles returns every readable profile sorted by id. Malformed files
// are skipped.
func (s *FileProfileStore) ListProfiles() ([]models.UserProfile, error) {
	entries, err := os.ReadDir(s.usersDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read users directory: %w", err)
	}
	var profiles []models.UserProfile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		userID := strings.TrimSuffix(entry.Name(), ".json")
		profile, err := s.LoadProfile(userID)
		if err != nil || profile == nil {
			continue
		}
		profiles = append(profiles, *profile)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles, nil
}

// FindProfileByName resolves a display name to the most recently updated
// profile sharing that name (case-folded). Same-name re-registration can
// leave duplicate historical ids on disk; most-recent-wins heals reads.
func (s *FileProfileStore) FindProfileByName(name string) (*models.UserProfile, error) {
	targetKey := models.CanonicalNameKey(name)
	if targetKey == "" {
		return nil, nil
	}
	profiles, err := s.ListProfiles()
	if err != nil {
		return nil, err
	}
	var best *models.UserProfile
	bestKey := ""
	for i := range profiles {
		p := profiles[i]
		if models.CanonicalNameKey(p.Name) != targetKey {
			continue
		}
		sortKey := p.UpdatedAt
		if sortKey == "" {
			sortKey = p.CreatedAt
		}
		if best == nil || sortKey > bestKey {
			best = &profiles[i]
			bestKey = sortKey
		}
	}
	return best, nil
}

// SaveFacePhoto decodes a base64 image data URL into the faces directory.
func (s *FileProfileStore) SaveFacePhoto(userID, photoDataURL string) (string, error) {
	safeID := models.SafeUserID(userID)
	if safeID == "" {
		return "", models.ErrInvalidUserID
	}
	header, encoded, found := strings.Cut(photoDataURL, ",")
	if !found {
		return "", models.ErrInvalidImagePayload
	}
	if !strings.Contains(header, "base64") || !strings.HasPrefix(header, "data:image/") {
		return "", models.ErrInvalidImagePayload
	}
	imageBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("could not decode image payload: %w", err)
	}
	if len(imageBytes) == 0 {
		return "", models.ErrInvalidImagePayload
	}
	out := filepath.Join(s.facesDir, safeID+".jpg")
	if err := os.WriteFile(out, imageBytes, DefaultFilePermissions); err != nil {
		return "", fmt.Errorf("failed to write face photo: %w", err)
	}
	rel, err := filepath.Rel(s.baseDir, out)
	if err != nil {
		rel = out
	}
	slog.Debug("FileProfileStore.SaveFacePhoto succeeded", "user_id", safeID, "bytes", len(imageBytes))
	return rel, nil
}

// SaveEmbedding stores the template vector and back-references it on the
// profile when the profile exists.
func (s *FileProfileStore) SaveEmbedding(userID string, vector []float64, model, source string) error {
	safeID := models.SafeUserID(userID)
	if safeID == "" {
		return models.ErrInvalidUserID
	}
	if len(vector) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if model == "" {
		model = "insightface_arcface"
	}
	record := models.Embedding{
		UserID:    safeID,
		Vector:    vector,
		Dim:       len(vector),
		Model:     model,
		Source:    source,
		UpdatedAt: s.now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode embedding for %s: %w", safeID, err)
	}
	path := s.embeddingPath(safeID)
	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write embedding for %s: %w", safeID, err)
	}

	if profile, err := s.LoadProfile(safeID); err == nil && profile != nil {
		rel, relErr := filepath.Rel(s.baseDir, path)
		if relErr != nil {
			rel = path
		}
		profile.FaceEmbeddingPath = rel
		profile.FaceEmbeddingDim = len(vector)
		profile.FaceEmbeddingModel = model
		if _, err := s.SaveProfile(*profile); err != nil {
			slog.Warn("FileProfileStore.SaveEmbedding profile back-reference failed", "error", err, "user_id", safeID)
		}
	}
	slog.Debug("FileProfileStore.SaveEmbedding succeeded", "user_id", safeID, "dim", len(vector), "model", model)
	return nil
}

// LoadEmbedding returns the stored template vector, or nil when missing or
// malformed.
func (s *FileProfileStore) LoadEmbedding(userID string) ([]float64, error) {
	safeID := models.SafeUserID(userID)
	if safeID == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.embeddingPath(safeID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read embedding for %s: %w", safeID, err)
	}
	var record models.Embedding
	if err := json.Unmarshal(data, &record); err != nil {
		slog.Warn("FileProfileStore.LoadEmbedding malformed record, treating as missing", "error", err, "user_id", safeID)
		return nil, nil
	}
	if len(record.Vector) == 0 {
		return nil, nil
	}
	return record.Vector, nil
}

var _ ProfileStore = (*FileProfileStore)(nil)
