// Пакет cache — Redis-кэш метаданных файлов Media Vault.
//
// Семейства ключей:
//
//	file:metadata:{fileId}              — запись отдельного файла
//	user:files:{ownerId}:all            — полный список файлов владельца
//	user:files:{ownerId}:{page}:{size}  — страница списка
//	search:{ownerId}:{term}             — результат поиска (term нормализован)
//
// Кэш строго read-through: запись попадает в кэш только после чтения
// из БД, при изменении данных соответствующие ключи инвалидируются.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/arturkryukov/mediavault/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mv_cache_hits_total",
		Help: "Общее количество попаданий в Redis-кэш по семействам ключей.",
	}, []string{"family"})
	cacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mv_cache_misses_total",
		Help: "Общее количество промахов Redis-кэша по семействам ключей.",
	}, []string{"family"})
	cacheErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mv_cache_errors_total",
		Help: "Общее количество ошибок Redis по операциям.",
	}, []string{"operation"})
)

// TTLConfig — время жизни записей по семействам ключей.
type TTLConfig struct {
	Metadata time.Duration
	Listing  time.Duration
	Search   time.Duration
}

// Cache — Redis-кэш метаданных.
// Ошибки Redis не фатальны: промах или сбой кэша приводит к чтению
// из БД, сервис продолжает работать без кэша.
type Cache struct {
	client *redis.Client
	ttl    TTLConfig
	logger *slog.Logger
}

// New создаёт Redis-кэш и проверяет подключение.
func New(ctx context.Context, addr, password string, db int, ttl TTLConfig, logger *slog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("подключение к Redis %s: %w", addr, err)
	}

	logger.Info("Подключение к Redis установлено", slog.String("addr", addr))

	return &Cache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// Close закрывает подключение к Redis.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping проверяет доступность Redis.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// CheckReady проверяет доступность Redis для health endpoint.
// Реализует интерфейс handlers.ReadinessChecker.
func (c *Cache) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.Ping(ctx); err != nil {
		return "fail", err.Error()
	}
	return "ok", ""
}

// --- Построение ключей ---

// MetadataKey — ключ записи отдельного файла.
func MetadataKey(fileID string) string {
	return "file:metadata:" + fileID
}

// OwnerAllKey — ключ полного списка файлов владельца.
func OwnerAllKey(ownerID string) string {
	return fmt.Sprintf("user:files:%s:all", ownerID)
}

// OwnerPageKey — ключ страницы списка файлов владельца.
func OwnerPageKey(ownerID string, page, size int) string {
	return fmt.Sprintf("user:files:%s:%d:%d", ownerID, page, size)
}

// SearchKey — ключ результата поиска. Поисковый запрос нормализуется:
// нижний регистр, обрезанные пробелы.
func SearchKey(ownerID, term string) string {
	return fmt.Sprintf("search:%s:%s", ownerID, NormalizeTerm(term))
}

// NormalizeTerm приводит поисковый запрос к канонической форме ключа.
func NormalizeTerm(term string) string {
	return strings.ToLower(strings.TrimSpace(term))
}

// --- Wire-представление записей в Redis ---

// cachedFile — запись файла в том виде, в каком она лежит в Redis.
// У model.FileRecord поле StoragePath скрыто json-тегом от API-ответов,
// но кэш обязан его сохранять: Delete, Download и DownloadURL читают
// путь из записи, пришедшей из кэша. Путь переносится отдельным полем.
type cachedFile struct {
	Record      *model.FileRecord `json:"record"`
	StoragePath string            `json:"storagePath"`
}

func toCached(rec *model.FileRecord) cachedFile {
	return cachedFile{Record: rec, StoragePath: rec.StoragePath}
}

// restore возвращает запись с восстановленным StoragePath.
// nil — запись в Redis имеет неожиданную форму.
func (cf cachedFile) restore() *model.FileRecord {
	if cf.Record == nil {
		return nil
	}
	cf.Record.StoragePath = cf.StoragePath
	return cf.Record
}

func toCachedList(recs []*model.FileRecord) []cachedFile {
	out := make([]cachedFile, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toCached(rec))
	}
	return out
}

// restoreList восстанавливает список записей.
// (nil, false) — хотя бы один элемент имеет неожиданную форму.
func restoreList(cfs []cachedFile) ([]*model.FileRecord, bool) {
	out := make([]*model.FileRecord, 0, len(cfs))
	for _, cf := range cfs {
		rec := cf.restore()
		if rec == nil {
			return nil, false
		}
		out = append(out, rec)
	}
	return out, true
}

// --- Метаданные файла ---

// GetFile возвращает запись файла из кэша.
// (nil, false) — промах или ошибка Redis.
func (c *Cache) GetFile(ctx context.Context, fileID string) (*model.FileRecord, bool) {
	var cf cachedFile
	if !c.get(ctx, MetadataKey(fileID), "metadata", &cf) {
		return nil, false
	}
	rec := cf.restore()
	if rec == nil {
		c.dropMalformed(ctx, MetadataKey(fileID), "metadata")
		return nil, false
	}
	return rec, true
}

// SetFile кладёт запись файла в кэш.
func (c *Cache) SetFile(ctx context.Context, rec *model.FileRecord) {
	c.set(ctx, MetadataKey(rec.ID), toCached(rec), c.ttl.Metadata)
}

// --- Списки файлов владельца ---

// GetOwnerPage возвращает страницу списка файлов владельца из кэша.
func (c *Cache) GetOwnerPage(ctx context.Context, ownerID string, page, size int) ([]*model.FileRecord, bool) {
	return c.getList(ctx, OwnerPageKey(ownerID, page, size), "listing")
}

// SetOwnerPage кладёт страницу списка файлов владельца в кэш.
func (c *Cache) SetOwnerPage(ctx context.Context, ownerID string, page, size int, recs []*model.FileRecord) {
	c.set(ctx, OwnerPageKey(ownerID, page, size), toCachedList(recs), c.ttl.Listing)
}

// GetOwnerAll возвращает полный список файлов владельца из кэша.
func (c *Cache) GetOwnerAll(ctx context.Context, ownerID string) ([]*model.FileRecord, bool) {
	return c.getList(ctx, OwnerAllKey(ownerID), "listing")
}

// SetOwnerAll кладёт полный список файлов владельца в кэш.
func (c *Cache) SetOwnerAll(ctx context.Context, ownerID string, recs []*model.FileRecord) {
	c.set(ctx, OwnerAllKey(ownerID), toCachedList(recs), c.ttl.Listing)
}

// --- Результаты поиска ---

// GetSearch возвращает результат поиска из кэша.
func (c *Cache) GetSearch(ctx context.Context, ownerID, term string) ([]*model.FileRecord, bool) {
	return c.getList(ctx, SearchKey(ownerID, term), "search")
}

// SetSearch кладёт результат поиска в кэш.
func (c *Cache) SetSearch(ctx context.Context, ownerID, term string, recs []*model.FileRecord) {
	c.set(ctx, SearchKey(ownerID, term), toCachedList(recs), c.ttl.Search)
}

// getList читает и восстанавливает список записей по ключу.
func (c *Cache) getList(ctx context.Context, key, family string) ([]*model.FileRecord, bool) {
	var cfs []cachedFile
	if !c.get(ctx, key, family, &cfs) {
		return nil, false
	}
	recs, ok := restoreList(cfs)
	if !ok {
		c.dropMalformed(ctx, key, family)
		return nil, false
	}
	return recs, true
}

// --- Инвалидация ---

// InvalidateFile удаляет запись файла из кэша.
func (c *Cache) InvalidateFile(ctx context.Context, fileID string) {
	if err := c.client.Del(ctx, MetadataKey(fileID)).Err(); err != nil {
		cacheErrorsTotal.WithLabelValues("del").Inc()
		c.logger.Warn("не удалось инвалидировать кэш файла",
			slog.String("file_id", fileID), "error", err)
	}
}

// InvalidateOwner удаляет все списки файлов владельца
// (user:files:{ownerId}:* через SCAN).
func (c *Cache) InvalidateOwner(ctx context.Context, ownerID string) {
	c.deleteByPattern(ctx, fmt.Sprintf("user:files:%s:*", ownerID))
}

// InvalidateOwnerSearches удаляет кэшированные результаты поиска владельца.
func (c *Cache) InvalidateOwnerSearches(ctx context.Context, ownerID string) {
	c.deleteByPattern(ctx, fmt.Sprintf("search:%s:*", ownerID))
}

// deleteByPattern удаляет все ключи по шаблону через SCAN.
// KEYS не используется: блокирует Redis на больших наборах.
func (c *Cache) deleteByPattern(ctx context.Context, pattern string) {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			cacheErrorsTotal.WithLabelValues("scan").Inc()
			c.logger.Warn("ошибка SCAN при инвалидации кэша",
				slog.String("pattern", pattern), "error", err)
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				cacheErrorsTotal.WithLabelValues("del").Inc()
				c.logger.Warn("ошибка удаления ключей кэша",
					slog.String("pattern", pattern), "error", err)
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// --- Внутренние операции ---

// get читает и десериализует значение по ключу.
// Повреждённая запись удаляется и трактуется как промах.
func (c *Cache) get(ctx context.Context, key, family string, dest any) bool {
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		cacheMissesTotal.WithLabelValues(family).Inc()
		return false
	}
	if err != nil {
		cacheErrorsTotal.WithLabelValues("get").Inc()
		c.logger.Warn("ошибка чтения из Redis", slog.String("key", key), "error", err)
		return false
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		// Повреждённая запись — удаляем, чтобы не отдавать мусор повторно
		c.logger.Warn("повреждённая запись в кэше, удаляем",
			slog.String("key", key), "error", err)
		c.client.Del(ctx, key)
		cacheMissesTotal.WithLabelValues(family).Inc()
		return false
	}

	cacheHitsTotal.WithLabelValues(family).Inc()
	return true
}

// dropMalformed удаляет синтаксически корректный JSON неожиданной
// формы (например, запись старого формата) и фиксирует промах.
func (c *Cache) dropMalformed(ctx context.Context, key, family string) {
	c.logger.Warn("запись в кэше имеет неожиданную форму, удаляем",
		slog.String("key", key))
	c.client.Del(ctx, key)
	cacheMissesTotal.WithLabelValues(family).Inc()
}

// set сериализует и кладёт значение по ключу с TTL.
func (c *Cache) set(ctx context.Context, key string, val any, ttl time.Duration) {
	data, err := json.Marshal(val)
	if err != nil {
		cacheErrorsTotal.WithLabelValues("marshal").Inc()
		c.logger.Warn("ошибка сериализации для кэша", slog.String("key", key), "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		cacheErrorsTotal.WithLabelValues("set").Inc()
		c.logger.Warn("ошибка записи в Redis", slog.String("key", key), "error", err)
	}
}
