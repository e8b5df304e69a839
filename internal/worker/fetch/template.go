package fetch

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"

	"github.com/hitoshi/newsmcp/internal/model"
)

// Extractor はパース済み記事へのテンプレート適用を行う。
// フィールドマッピング、コンテンツ処理ルール、品質フィルタの順に適用する。
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor はExtractorの新しいインスタンスを生成する。
func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract はgofeedの記事からParsedEntryを構築し、テンプレートを適用する。
// 品質フィルタで拒否された場合はok=falseを返し、記事は保存されない。
// templateがnilの場合はデフォルトマッピングのみが適用される。
func (e *Extractor) Extract(template *model.DynamicFeedTemplate, item *gofeed.Item) (entry model.ParsedEntry, ok bool) {
	entry = defaultEntry(item)

	if template != nil {
		e.applyFieldMappings(template.FieldMappings, item, &entry)

		for _, rule := range template.ContentRules {
			e.applyContentRule(rule, &entry)
		}

		if !passesQualityFilters(template.QualityFilters, entry) {
			return entry, false
		}
	}

	return entry, true
}

// defaultEntry はテンプレートなしのデフォルトマッピングを適用する。
func defaultEntry(item *gofeed.Item) model.ParsedEntry {
	entry := model.ParsedEntry{
		GUID:    item.GUID,
		Title:   item.Title,
		Link:    item.Link,
		Summary: item.Description,
		Content: item.Content,
	}

	if item.Author != nil {
		entry.Author = item.Author.Name
	}
	if entry.Author == "" && len(item.Authors) > 0 && item.Authors[0] != nil {
		entry.Author = item.Authors[0].Name
	}

	if item.PublishedParsed != nil {
		t := *item.PublishedParsed
		entry.Published = &t
	} else if item.UpdatedParsed != nil {
		t := *item.UpdatedParsed
		entry.Published = &t
	}

	if entry.Content == "" {
		entry.Content = item.Description
	}

	// LinkがなくGUIDがURL形式の場合はGUIDをLinkとして使用する
	if entry.Link == "" && (strings.HasPrefix(entry.GUID, "http://") || strings.HasPrefix(entry.GUID, "https://")) {
		entry.Link = entry.GUID
	}

	return entry
}

// applyFieldMappings は論理フィールド名から記事属性へのマッピングを適用する。
// マッピング先の属性が空の場合はデフォルト値を保持する。
func (e *Extractor) applyFieldMappings(mappings map[string]string, item *gofeed.Item, entry *model.ParsedEntry) {
	for field, source := range mappings {
		value := resolveAttribute(item, source)
		if value == "" {
			continue
		}
		switch field {
		case "title":
			entry.Title = value
		case "description", "summary":
			entry.Summary = value
		case "content":
			entry.Content = value
		case "link":
			entry.Link = value
		case "author":
			entry.Author = value
		case "guid":
			entry.GUID = value
		default:
			e.logger.Debug("未知のマッピングフィールドを無視します",
				slog.String("field", field),
				slog.String("source", source),
			)
		}
	}
}

// resolveAttribute はgofeed記事の属性名を文字列値に解決する。
// 未知の属性名は空文字列を返す。
func resolveAttribute(item *gofeed.Item, name string) string {
	switch name {
	case "title":
		return item.Title
	case "description", "summary":
		return item.Description
	case "content":
		return item.Content
	case "link":
		return item.Link
	case "guid", "id":
		return item.GUID
	case "author":
		if item.Author != nil {
			return item.Author.Name
		}
		return ""
	}
	return ""
}

// applyContentRule はコンテンツ処理ルールを1つ適用する。
// 未知のルール種別はエラーとせず無視する。
func (e *Extractor) applyContentRule(rule model.ContentRule, entry *model.ParsedEntry) {
	switch rule.Type {
	case model.ContentRuleHTMLExtract:
		maxLength := intParam(rule.Params, "max_length", 0)
		entry.Summary = htmlExtract(entry.Summary, maxLength)
		entry.Content = htmlExtract(entry.Content, maxLength)

	case model.ContentRuleTextNormalize:
		if boolParam(rule.Params, "fix_umlauts") {
			entry.Title = fixUmlauts(entry.Title)
			entry.Summary = fixUmlauts(entry.Summary)
			entry.Content = fixUmlauts(entry.Content)
		}
		if boolParam(rule.Params, "normalize_quotes") {
			entry.Title = normalizeQuotes(entry.Title)
			entry.Summary = normalizeQuotes(entry.Summary)
			entry.Content = normalizeQuotes(entry.Content)
		}

	case model.ContentRuleRemoveTracking:
		entry.Link = removeTrackingParams(entry.Link)

	default:
		e.logger.Debug("未知のコンテンツ処理ルールを無視します", slog.String("type", rule.Type))
	}
}

// passesQualityFilters は品質フィルタの判定を行う。
func passesQualityFilters(filters model.QualityFilters, entry model.ParsedEntry) bool {
	titleLen := len([]rune(entry.Title))
	if filters.MinTitleLength > 0 && titleLen < filters.MinTitleLength {
		return false
	}
	if filters.MaxTitleLength > 0 && titleLen > filters.MaxTitleLength {
		return false
	}
	return true
}

// htmlExtract はHTMLタグを除去したプレーンテキストを返し、
// maxLengthが正の場合はルーン単位で切り詰める。
func htmlExtract(s string, maxLength int) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt == html.TextToken {
			b.Write(tokenizer.Text())
		}
	}

	text := strings.Join(strings.Fields(b.String()), " ")
	if maxLength > 0 {
		runes := []rune(text)
		if len(runes) > maxLength {
			text = string(runes[:maxLength])
		}
	}
	return text
}

// umlautFixes は誤ったエンコーディング（UTF-8をLatin-1として再解釈した
// 二重エンコード）で壊れたウムラウトの修復テーブル。
var umlautFixes = strings.NewReplacer(
	"Ã¤", "ä",
	"Ã¶", "ö",
	"Ã¼", "ü",
	"Ã„", "Ä",
	"Ã–", "Ö",
	"Ãœ", "Ü",
	"ÃŸ", "ß",
)

func fixUmlauts(s string) string {
	return umlautFixes.Replace(s)
}

// quoteNormalizer はタイポグラフィ引用符をASCII引用符に正規化する。
var quoteNormalizer = strings.NewReplacer(
	"“", `"`, // 左ダブル
	"”", `"`, // 右ダブル
	"„", `"`, // 下ダブル
	"‘", "'", // 左シングル
	"’", "'", // 右シングル
	"‚", "'", // 下シングル
)

func normalizeQuotes(s string) string {
	return quoteNormalizer.Replace(s)
}

// removeTrackingParams はリンクからutm_*クエリパラメータを除去する。
// パース不能なリンクはそのまま返す。
func removeTrackingParams(link string) string {
	if link == "" || !strings.Contains(link, "utm_") {
		return link
	}

	parsed, err := url.Parse(link)
	if err != nil {
		return link
	}

	query := parsed.Query()
	for key := range query {
		if strings.HasPrefix(key, "utm_") {
			query.Del(key)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func intParam(params map[string]any, key string, fallback int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			// JSONデシリアライズ経由の数値はfloat64になる
			return int(n)
		}
	}
	return fallback
}

func boolParam(params map[string]any, key string) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}
