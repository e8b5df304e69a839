package metrics

import (
	"context"
	"time"

	"github.com/hitoshi/newsmcp/internal/cost"
	"github.com/hitoshi/newsmcp/internal/llm"
	"github.com/hitoshi/newsmcp/internal/model"
	"github.com/hitoshi/newsmcp/internal/resilience"
)

// FetchService はフィードフェッチの実行インターフェース。
// scheduler.FeedFetcherServiceと同じシグネチャを持つ。
type FetchService interface {
	Fetch(ctx context.Context, feed *model.Feed) error
}

// instrumentedFetcher はフェッチの成否とレイテンシを記録するデコレータ。
type instrumentedFetcher struct {
	next      FetchService
	collector *Collector
}

// WrapFetcher はフェッチメトリクスを記録するデコレータを返す。
func (c *Collector) WrapFetcher(next FetchService) FetchService {
	return &instrumentedFetcher{next: next, collector: c}
}

func (f *instrumentedFetcher) Fetch(ctx context.Context, feed *model.Feed) error {
	start := time.Now()
	err := f.next.Fetch(ctx, feed)
	f.collector.RecordFetchLatency(time.Since(start))

	if err != nil {
		f.collector.RecordFetchFailure()
		return err
	}
	f.collector.RecordFetchSuccess()
	return nil
}

// instrumentedLLMClient はLLM呼び出しの成否、トークン数、コスト、
// レイテンシを記録するデコレータ。
type instrumentedLLMClient struct {
	next      llm.Client
	collector *Collector
}

// WrapLLMClient は分析メトリクスを記録するデコレータを返す。
func (c *Collector) WrapLLMClient(next llm.Client) llm.Client {
	return &instrumentedLLMClient{next: next, collector: c}
}

func (l *instrumentedLLMClient) Analyze(ctx context.Context, prompt, modelTag string) (*llm.AnalysisResult, error) {
	start := time.Now()
	result, err := l.next.Analyze(ctx, prompt, modelTag)
	if err != nil {
		l.collector.RecordAnalysisFailure(resilience.Classify(err))
		return nil, err
	}

	l.collector.RecordAnalysisSuccess(
		result.ModelTag,
		result.Usage.Total(),
		cost.ItemCost(result.ModelTag, result.Usage),
		time.Since(start),
	)
	return result, nil
}

// RunStartService は分析ランの開始インターフェース。
type RunStartService interface {
	StartRun(ctx context.Context, scope model.RunScope, params model.RunParams, trigger model.TriggeredBy) (*model.AnalysisRun, error)
}

// instrumentedRunStarter はラン開始数を起動契機別に記録するデコレータ。
type instrumentedRunStarter struct {
	next      RunStartService
	collector *Collector
}

// WrapRunStarter はラン開始メトリクスを記録するデコレータを返す。
func (c *Collector) WrapRunStarter(next RunStartService) RunStartService {
	return &instrumentedRunStarter{next: next, collector: c}
}

func (s *instrumentedRunStarter) StartRun(ctx context.Context, scope model.RunScope, params model.RunParams, trigger model.TriggeredBy) (*model.AnalysisRun, error) {
	run, err := s.next.StartRun(ctx, scope, params, trigger)
	if err != nil {
		return nil, err
	}
	s.collector.RecordRunStarted(string(trigger))
	return run, nil
}

// WatchBreakers はサーキットブレーカー状態ゲージを定期更新する。
// コンテキストのキャンセルで戻る。バックグラウンドゴルーチンで実行すること。
func (c *Collector) WatchBreakers(ctx context.Context, states func() map[string]resilience.BreakerState, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SetBreakerStates(states())
		}
	}
}
