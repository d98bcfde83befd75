// Пакет validation — проверки загружаемых файлов и генерация путей
// в объектном хранилище.
package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxFilenameLength — предельная длина имени файла.
const MaxFilenameLength = 255

// forbiddenChars — символы, запрещённые в имени файла.
const forbiddenChars = `<>:"|?*`

// allowedContentTypes — допустимые MIME-типы загружаемых файлов.
var allowedContentTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"image/svg+xml":   true,
	"application/pdf": true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.ms-powerpoint": true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/zip":              true,
	"application/x-zip-compressed": true,
	"text/plain":                   true,
	"text/csv":                     true,
	"video/mp4":                    true,
	"video/mpeg":                   true,
	"video/quicktime":              true,
	"audio/mpeg":                   true,
	"audio/wav":                    true,
	"audio/ogg":                    true,
}

// Digest вычисляет SHA-256 содержимого и возвращает hex-строку в нижнем
// регистре. Reader читается до конца.
func Digest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("вычисление SHA-256: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestBytes вычисляет SHA-256 среза байт.
func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CheckFilename проверяет имя файла: непустое, не длиннее 255 символов,
// без последовательности ".." и запрещённых символов.
func CheckFilename(name string) error {
	if name == "" {
		return fmt.Errorf("имя файла не задано")
	}
	if len(name) > MaxFilenameLength {
		return fmt.Errorf("имя файла длиннее %d символов", MaxFilenameLength)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("имя файла содержит недопустимую последовательность \"..\"")
	}
	if strings.ContainsAny(name, forbiddenChars) {
		return fmt.Errorf("имя файла содержит запрещённые символы %s", forbiddenChars)
	}
	return nil
}

// CheckSize проверяет размер файла: строго положительный и не больше maxSize.
func CheckSize(size, maxSize int64) error {
	if size <= 0 {
		return fmt.Errorf("файл пустой")
	}
	if size > maxSize {
		return fmt.Errorf("размер файла %d байт превышает предел %d байт", size, maxSize)
	}
	return nil
}

// CheckContentType проверяет MIME-тип по списку допустимых.
// Параметры после ";" отбрасываются.
func CheckContentType(contentType string) error {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	if ct == "" {
		return fmt.Errorf("тип содержимого не задан")
	}
	if !allowedContentTypes[ct] {
		return fmt.Errorf("тип содержимого %q не поддерживается", ct)
	}
	return nil
}

// SanitizeFilename убирает из имени файла компоненты пути, оставляя
// только базовое имя.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return filepath.Base(name)
}

// StoragePath генерирует путь объекта в хранилище:
// users/{ownerId}/{timestamp}-{rand8}{ext}.
func StoragePath(ownerID, filename string) string {
	ext := filepath.Ext(filename)
	ts := time.Now().UTC().Format("20060102_150405")
	rand8 := uuid.New().String()[:8]
	return fmt.Sprintf("users/%s/%s-%s%s", ownerID, ts, rand8, ext)
}
