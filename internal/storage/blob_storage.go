package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/h2non/filetype"

	"github.com/ignatzorin/escrow-flow/internal/domain/entity"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
)

// DefaultArtifactTypes - расширения, разрешённые по умолчанию.
var DefaultArtifactTypes = []string{"json", "csv", "md", "txt"}

var mimeByExt = map[string]string{
	"json": "application/json",
	"csv":  "text/csv",
	"md":   "text/markdown",
	"txt":  "text/plain",
}

// BlobStorage - локальное хранилище артефактов, адресуемое по содержимому.
// Файл лежит по пути <первые два символа хеша>/<хеш>.<расширение>.
type BlobStorage struct {
	rootPath       string
	maxUploadBytes int64
	allowed        map[string]bool
}

func NewBlobStorage(rootPath string, maxUploadMB int64, allowedTypes []string) (*BlobStorage, error) {
	if err := os.MkdirAll(rootPath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: не удалось создать каталог %s: %w", rootPath, err)
	}
	if len(allowedTypes) == 0 {
		allowedTypes = DefaultArtifactTypes
	}
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[strings.TrimPrefix(strings.ToLower(t), ".")] = true
	}
	return &BlobStorage{
		rootPath:       rootPath,
		maxUploadBytes: maxUploadMB * 1024 * 1024,
		allowed:        allowed,
	}, nil
}

// Put проверяет артефакт и сохраняет его. Повторная загрузка того же содержимого
// возвращает тот же хеш и не перезаписывает файл.
func (s *BlobStorage) Put(ctx context.Context, filename string, data []byte) (*entity.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ext, err := s.validate(filename, data)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	locator := filepath.ToSlash(filepath.Join(hash[:2], hash+"."+ext))
	target := filepath.Join(s.rootPath, filepath.FromSlash(locator))

	artifact := &entity.Artifact{Hash: "sha256:" + hash, Locator: locator, Type: mimeByExt[ext]}
	if artifact.Type == "" {
		artifact.Type = "application/octet-stream"
	}

	if _, err := os.Stat(target); err == nil {
		return artifact, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("storage: не удалось создать каталог: %w", err)
	}
	tempPath := target + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		_ = os.Remove(tempPath)
		return nil, fmt.Errorf("storage: ошибка записи файла: %w", err)
	}
	if err := os.Rename(tempPath, target); err != nil {
		_ = os.Remove(tempPath)
		return nil, fmt.Errorf("storage: не удалось переименовать файл: %w", err)
	}
	return artifact, nil
}

// Open читает артефакт по локатору.
func (s *BlobStorage) Open(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean := filepath.Clean(filepath.FromSlash(locator))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, apperror.New(apperror.ErrCodeValidation, "некорректный путь артефакта")
	}
	data, err := os.ReadFile(filepath.Join(s.rootPath, clean))
	if os.IsNotExist(err) {
		return nil, apperror.New(apperror.ErrCodeNotFound, "артефакт не найден")
	}
	if err != nil {
		return nil, fmt.Errorf("storage: ошибка чтения файла: %w", err)
	}
	return data, nil
}

func (s *BlobStorage) validate(filename string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", apperror.New(apperror.ErrCodeValidation, "файл пуст")
	}
	if int64(len(data)) > s.maxUploadBytes {
		return "", apperror.New(apperror.ErrCodeValidation,
			fmt.Sprintf("размер файла превышает лимит %d байт", s.maxUploadBytes))
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(sanitizeFilename(filename))), ".")
	if !s.allowed[ext] {
		return "", apperror.New(apperror.ErrCodeValidation,
			fmt.Sprintf("неподдерживаемый тип файла (.%s)", ext))
	}

	// Текстовые форматы не имеют сигнатуры: любой распознанный бинарный тип означает подмену.
	if _, text := mimeByExt[ext]; text {
		if kind, _ := filetype.Match(data); kind != filetype.Unknown {
			return "", apperror.New(apperror.ErrCodeValidation,
				fmt.Sprintf("расширение файла (.%s) не соответствует содержимому (%s)", ext, kind.MIME.Value))
		}
		if !utf8.Valid(data) {
			return "", apperror.New(apperror.ErrCodeValidation, "текстовый файл должен быть в UTF-8")
		}
		return ext, nil
	}

	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown || kind.Extension != ext {
		return "", apperror.New(apperror.ErrCodeValidation, "не удалось подтвердить тип файла по содержимому")
	}
	return ext, nil
}

// sanitizeFilename удаляет потенциально опасные символы.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	if name == "" || name == "." || name == "/" {
		name = "artifact"
	}
	return name
}
