package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// collect はチャネルがクローズされるまでチャンクを読み取る。
// 連結したデータと最後のエラーを返す。
func collect(t *testing.T, chunks <-chan Chunk) (string, error) {
	t.Helper()

	var (
		sb      strings.Builder
		lastErr error
	)
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return sb.String(), lastErr
			}
			if chunk.Err != nil {
				if lastErr != nil {
					t.Errorf("エラーチャンクが複数回送られた: %v", chunk.Err)
				}
				lastErr = chunk.Err
				continue
			}
			if lastErr != nil {
				t.Errorf("エラーチャンクの後にデータが送られた: %q", chunk.Data)
			}
			sb.Write(chunk.Data)
		case <-timeout:
			t.Fatal("ストリームがクローズされない")
			return "", nil
		}
	}
}

// writeFlush はデータを書き込んで即座にフラッシュする。
func writeFlush(w http.ResponseWriter, s string) {
	_, _ = io.WriteString(w, s)
	w.(http.Flusher).Flush()
}

// TestStream はStream関数を検証する。
func TestStream(t *testing.T) {
	t.Parallel()

	t.Run("上流のチャンクを順番通りに流すこと", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, s := range []string{"A", "B", "C"} {
				writeFlush(w, s)
				time.Sleep(10 * time.Millisecond)
			}
		}))
		defer ts.Close()

		client := New(ts.URL, testInternalKey)
		chunks, err := client.Stream(context.Background(), http.MethodPost, "/conversations/chat",
			strings.NewReader(`{"query":"hi"}`), "application/json")
		if err != nil {
			t.Fatalf("Stream()でエラーが発生: %v", err)
		}

		got, streamErr := collect(t, chunks)
		if streamErr != nil {
			t.Errorf("予期しないエラーチャンク: %v", streamErr)
		}
		if got != "ABC" {
			t.Errorf("データ = %q, want %q", got, "ABC")
		}
	})

	t.Run("内部キーとリクエストボディが上流に届くこと", func(t *testing.T) {
		t.Parallel()

		ts, received := newRecordingServer(t, http.StatusOK, "text/event-stream", "ok")
		client := New(ts.URL, testInternalKey)

		ctx := WithRequestID(context.Background(), "req-stream")
		chunks, err := client.Stream(ctx, http.MethodPost, "/conversations/chat",
			strings.NewReader(`{"query":"hi"}`), "application/json")
		if err != nil {
			t.Fatalf("Stream()でエラーが発生: %v", err)
		}
		if got, _ := collect(t, chunks); got != "ok" {
			t.Errorf("データ = %q, want %q", got, "ok")
		}

		if got := received.Headers.Get(headerInternalKey); got != testInternalKey {
			t.Errorf("X-Internal-Key = %q, want %q", got, testInternalKey)
		}
		if got := received.Headers.Get(headerRequestID); got != "req-stream" {
			t.Errorf("X-Request-ID = %q, want %q", got, "req-stream")
		}
		if string(received.Body) != `{"query":"hi"}` {
			t.Errorf("Body = %q", received.Body)
		}
	})

	t.Run("途中で切断された場合はデータの後に中断エラーが送られること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeFlush(w, "A")
			panic(http.ErrAbortHandler)
		}))
		defer ts.Close()

		client := New(ts.URL, testInternalKey)
		chunks, err := client.Stream(context.Background(), http.MethodPost, "/conversations/chat", nil, "")
		if err != nil {
			t.Fatalf("Stream()でエラーが発生: %v", err)
		}

		got, streamErr := collect(t, chunks)
		if got != "A" {
			t.Errorf("データ = %q, want %q", got, "A")
		}
		if !errors.Is(streamErr, ErrStreamInterrupted) {
			t.Errorf("エラー = %v, want ErrStreamInterrupted", streamErr)
		}
	})

	t.Run("非2xxの場合StatusErrorが返ること", func(t *testing.T) {
		t.Parallel()

		ts, _ := newRecordingServer(t, http.StatusInternalServerError, "", "boom")
		client := New(ts.URL, testInternalKey)

		_, err := client.Stream(context.Background(), http.MethodPost, "/conversations/chat", nil, "")
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("error = %v, want *StatusError", err)
		}
		if statusErr.StatusCode != http.StatusInternalServerError {
			t.Errorf("StatusCode = %d, want %d", statusErr.StatusCode, http.StatusInternalServerError)
		}
	})

	t.Run("チャンクが途絶えた場合はタイムアウトエラーが送られること", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeFlush(w, "A")
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer ts.Close()
		defer close(release)

		client := New(ts.URL, testInternalKey, WithIdleTimeout(100*time.Millisecond))
		chunks, err := client.Stream(context.Background(), http.MethodPost, "/conversations/chat", nil, "")
		if err != nil {
			t.Fatalf("Stream()でエラーが発生: %v", err)
		}

		got, streamErr := collect(t, chunks)
		if got != "A" {
			t.Errorf("データ = %q, want %q", got, "A")
		}
		if !errors.Is(streamErr, ErrTimeout) {
			t.Errorf("エラー = %v, want ErrTimeout", streamErr)
		}
	})

	t.Run("応答ヘッダー前にタイムアウトした場合ErrTimeoutが返ること", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		ts := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer ts.Close()
		defer close(release)

		client := New(ts.URL, testInternalKey, WithIdleTimeout(50*time.Millisecond))
		_, err := client.Stream(context.Background(), http.MethodPost, "/conversations/chat", nil, "")
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("error = %v, want ErrTimeout", err)
		}
	})

	t.Run("呼び出し側のキャンセルで上流へのリクエストも中断されること", func(t *testing.T) {
		t.Parallel()

		upstreamDone := make(chan struct{})
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer close(upstreamDone)
			writeFlush(w, "A")
			<-r.Context().Done()
		}))
		defer ts.Close()

		ctx, cancel := context.WithCancel(context.Background())
		client := New(ts.URL, testInternalKey)
		chunks, err := client.Stream(ctx, http.MethodPost, "/conversations/chat", nil, "")
		if err != nil {
			t.Fatalf("Stream()でエラーが発生: %v", err)
		}

		first := <-chunks
		if string(first.Data) != "A" {
			t.Fatalf("最初のチャンク = %q, want %q", first.Data, "A")
		}
		cancel()

		got, streamErr := collect(t, chunks)
		if got != "" || streamErr != nil {
			t.Errorf("キャンセル後にチャンクが送られた: data=%q err=%v", got, streamErr)
		}

		select {
		case <-upstreamDone:
		case <-time.After(5 * time.Second):
			t.Error("上流へのリクエストが中断されていない")
		}
	})

	t.Run("接続できない場合は通常のエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		url := ts.URL
		ts.Close()

		client := New(url, testInternalKey)
		_, err := client.Stream(context.Background(), http.MethodPost, "/conversations/chat", nil, "")
		if err == nil {
			t.Fatal("エラーが返るべき")
		}
		var statusErr *StatusError
		if errors.Is(err, ErrTimeout) || errors.As(err, &statusErr) {
			t.Errorf("接続失敗が別種のエラーとして扱われた: %v", err)
		}
	})
}
