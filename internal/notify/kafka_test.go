package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKafkaSink_PublishesEvents(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	account := uuid.New()

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var e Event
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		if e.Kind != GenerationCompleted || e.AccountID != account {
			return errors.New("unexpected event")
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	sink := NewKafkaSink(producer, "events", 4, zap.NewNop())
	sink.Notify(context.Background(), Event{Kind: GenerationCompleted, AccountID: account, Data: map[string]any{"url": "https://x"}})
	sink.Notify(context.Background(), Event{Kind: TopupApproved, AccountID: account})

	require.NoError(t, sink.Close())
}

func TestKafkaSink_SendErrorDoesNotStopLoop(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	sink := NewKafkaSink(producer, "events", 4, zap.NewNop())
	sink.Notify(context.Background(), Event{Kind: GenerationFailed, AccountID: uuid.New()})
	sink.Notify(context.Background(), Event{Kind: GenerationFailed, AccountID: uuid.New()})

	require.NoError(t, sink.Close())
}

func TestKafkaSink_NotifyAfterCloseIsIgnored(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	sink := NewKafkaSink(producer, "events", 1, zap.NewNop())
	require.NoError(t, sink.Close())

	assert.NotPanics(t, func() {
		sink.Notify(context.Background(), Event{Kind: TopupRejected, AccountID: uuid.New()})
	})
	assert.NoError(t, sink.Close())
}

func TestRecorder_Kinds(t *testing.T) {
	var r Recorder
	r.Notify(context.Background(), Event{Kind: ReferralLinked})
	r.Notify(context.Background(), Event{Kind: ReferralCommission})
	assert.Equal(t, []string{ReferralLinked, ReferralCommission}, r.Kinds())
}
