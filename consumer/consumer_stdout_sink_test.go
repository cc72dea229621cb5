package consumer

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/withObsrvr/yellowstone-ingestor/processor"
)

func TestStdoutConsumerRoutedEvent(t *testing.T) {
	var buf bytes.Buffer
	s := &StdoutConsumer{out: &buf}

	require.NoError(t, s.Process(context.Background(), routedMessage("tx:9", "ingest.a", "ingest.b")))

	line := buf.String()
	assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\n")))
	assert.Equal(t, "tx:9", gjson.Get(line, "event.event_id").String())
	assert.Equal(t, 2, len(gjson.Get(line, "topics").Array()))
}

func TestStdoutConsumerOtherPayloads(t *testing.T) {
	var buf bytes.Buffer
	s := &StdoutConsumer{out: &buf}

	require.NoError(t, s.Process(context.Background(), processor.Message{Payload: []byte("raw")}))
	require.NoError(t, s.Process(context.Background(), processor.Message{Payload: map[string]int{"n": 1}}))
	assert.Equal(t, "raw\n{\"n\":1}\n", buf.String())
	assert.NoError(t, s.Close())
}
