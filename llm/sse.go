package llm

import (
	"bufio"
	"io"
	"strings"
)

// scanEventStream reads Server-Sent-Events frames from body and calls
// handle with each event's data payload, in the order OpenAI's,
// Anthropic's, and the HTTP proxy sidecar's streaming APIs all use
// ("data: <payload>" lines, one event per line). Reading stops on the
// first error handle returns, when handle reports done, or at EOF.
func scanEventStream(body io.Reader, handle func(data string) (done bool, err error)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		done, err := handle(data)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return scanner.Err()
}
