package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Item はフィードから取得し重複排除済みの記事を表す。
// 自然キーはContentHash（title + link + summary のSHA-256）であり、
// グローバルに一意である。並行INSERTの衝突は「既に存在」として扱う。
type Item struct {
	ID          string
	FeedID      string
	Title       string
	Link        string
	Description string
	Content     string // サニタイズ済みHTML
	Author      string
	Published   *time.Time
	ContentHash string
	CreatedAt   time.Time
}

// ComputeContentHash はtitle、link、summaryの連結からSHA-256ハッシュを計算する。
// 同一の(title, link, summary)を持つ記事は常に同一ハッシュとなる。
func ComputeContentHash(title, link, summary string) string {
	sum := sha256.Sum256([]byte(title + link + summary))
	return hex.EncodeToString(sum[:])
}

// ParsedEntry はフィードパーサーから取得した未保存の記事データを表す。
// テンプレート抽出・コンテンツ処理ルール適用後にInsertItemIfAbsentへ渡される。
type ParsedEntry struct {
	GUID      string
	Title     string
	Link      string
	Summary   string // 未サニタイズ
	Content   string // 未サニタイズのHTML
	Author    string
	Published *time.Time
}

// ItemAnalysis は記事1件に対するLLM分析結果を表す。
// sentiment/impactはLLMの返すJSONをそのまま保持する。
type ItemAnalysis struct {
	ItemID     string
	Sentiment  []byte // JSON
	Impact     []byte // JSON
	ModelTag   string
	TokensUsed int
	CostUSD    float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
