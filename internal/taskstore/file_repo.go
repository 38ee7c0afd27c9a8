package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/hitoshi/tasksbyme/internal/model"
)

// userRecord はユーザーごとの永続ファイルのフォーマット。
type userRecord struct {
	UserID     string       `json:"userId"`
	Tasks      []model.Task `json:"tasks"`
	LastUpdate int64        `json:"lastUpdate"` // epoch ms
	SavedAt    string       `json:"savedAt"`    // ISO-8601
}

// FileRepository はユーザーごとに1つのJSONファイルでスナップショットを保存する。
// ファイル名は "user_<userID>.json"。
type FileRepository struct {
	dir string
	now func() time.Time
}

// NewFileRepository はFileRepositoryを生成する。ディレクトリは初回保存時に作成する。
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{dir: dir, now: time.Now}
}

// Path は指定ユーザーの永続ファイルのパスを返す。
func (r *FileRepository) Path(userID string) string {
	// userIDはIdPのoid（GUID）だが、パス区切りを含むIDも別ファイルになるようエスケープする
	return filepath.Join(r.dir, "user_"+url.PathEscape(userID)+".json")
}

// Save はスナップショットを一時ファイルに書き出してからrenameで置き換える。
func (r *FileRepository) Save(snapshot model.UserTaskSnapshot) error {
	path := r.Path(snapshot.UserID)

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return &model.PersistenceError{UserID: snapshot.UserID, Path: path, Err: err}
	}

	tasks := snapshot.Tasks
	if tasks == nil {
		tasks = []model.Task{}
	}
	data, err := json.MarshalIndent(userRecord{
		UserID:     snapshot.UserID,
		Tasks:      tasks,
		LastUpdate: snapshot.LastUpdate.UnixMilli(),
		SavedAt:    r.now().UTC().Format(time.RFC3339Nano),
	}, "", "  ")
	if err != nil {
		return &model.PersistenceError{UserID: snapshot.UserID, Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(r.dir, "user_*.json.tmp")
	if err != nil {
		return &model.PersistenceError{UserID: snapshot.UserID, Path: path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &model.PersistenceError{UserID: snapshot.UserID, Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &model.PersistenceError{UserID: snapshot.UserID, Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &model.PersistenceError{UserID: snapshot.UserID, Path: path, Err: err}
	}

	return nil
}

// Load は永続ファイルからスナップショットを読み込む。
// ファイルが存在しない場合はfound=falseを返す。
func (r *FileRepository) Load(userID string) (snapshot model.UserTaskSnapshot, found bool, err error) {
	path := r.Path(userID)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.UserTaskSnapshot{}, false, nil
	}
	if err != nil {
		return model.UserTaskSnapshot{}, false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var rec userRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.UserTaskSnapshot{}, false, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	snapshot = model.UserTaskSnapshot{
		UserID: userID,
		Tasks:  rec.Tasks,
	}
	if rec.LastUpdate > 0 {
		snapshot.LastUpdate = time.UnixMilli(rec.LastUpdate)
	}
	return snapshot, true, nil
}

// compile-time interface check
var _ Persister = (*FileRepository)(nil)
