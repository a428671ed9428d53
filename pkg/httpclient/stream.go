package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// ErrStreamInterrupted はストリーミング中に上流との接続が途切れたことを表す。
var ErrStreamInterrupted = errors.New("上流サービスのストリームが中断されました")

// StatusError は上流サービスがストリーミング開始前に非2xxを返したことを表す。
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("上流サービスがステータス %d を返しました", e.StatusCode)
}

// Chunk はストリームから読み取った1単位のデータ。
// Errが設定されたChunkは最後の要素であり、Dataは空となる。
type Chunk struct {
	Data []byte
	Err  error
}

// Stream は指定パスにリクエストを送信し、レスポンスボディをチャンク単位で流すチャネルを返す。
//
// 上流サービスの応答ヘッダーを受け取るまではこの関数内で待機する。
// 接続失敗時はエラーを、非2xx応答時は *StatusError を返す。
// 応答ヘッダー前にアイドルタイムアウトへ達した場合は ErrTimeout を返す。
//
// 返されたチャネルは上流から受け取った順にチャンクを流し、終了時にクローズされる。
// ストリーム中にアイドルタイムアウトまたは通信エラーが発生した場合は、
// ErrTimeout または ErrStreamInterrupted をErrに持つChunkを最後に1つ送る。
// ctxがキャンセルされた場合は上流へのリクエストを中断し、何も送らずにクローズする。
func (c *Client) Stream(ctx context.Context, method, path string, body io.Reader, contentType string) (<-chan Chunk, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	var timedOut atomic.Bool
	idle := time.AfterFunc(c.idleTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	release := func() {
		idle.Stop()
		cancel()
	}

	req, err := c.newRequest(reqCtx, method, path, body, contentType)
	if err != nil {
		release()
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		release()
		if timedOut.Load() {
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		release()
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer release()
		defer resp.Body.Close()

		buf := make([]byte, c.chunkSize)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				// 下流への送信待ちはアイドル時間に含めない
				idle.Stop()
				select {
				case chunks <- Chunk{Data: data}:
				case <-ctx.Done():
					return
				}
				idle.Reset(c.idleTimeout)
			}
			if readErr == nil {
				continue
			}
			if errors.Is(readErr, io.EOF) {
				return
			}
			if ctx.Err() != nil {
				return
			}

			var streamErr error
			if timedOut.Load() {
				streamErr = ErrTimeout
			} else {
				streamErr = fmt.Errorf("%w: %v", ErrStreamInterrupted, readErr)
			}
			select {
			case chunks <- Chunk{Err: streamErr}:
			case <-ctx.Done():
			}
			return
		}
	}()

	return chunks, nil
}
