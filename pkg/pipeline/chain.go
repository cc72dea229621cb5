package pipeline

import (
	"github.com/sirupsen/logrus"
	"github.com/withObsrvr/yellowstone-ingestor/processor"
)

// BuildProcessorChain chains processors sequentially and subscribes all
// consumers to the last processor. It returns the head of the chain, which
// is what the source feeds.
func BuildProcessorChain(processors []processor.Processor, consumers []processor.Processor, logger *logrus.Entry) processor.Processor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	var head, last processor.Processor
	for _, p := range processors {
		if last != nil {
			last.Subscribe(p)
			logger.Debugf("Chained processor %T -> %T", last, p)
		} else {
			head = p
		}
		last = p
	}

	if last != nil {
		for _, c := range consumers {
			last.Subscribe(c)
			logger.Debugf("Chained processor %T -> consumer %T", last, c)
		}
		return head
	}

	if len(consumers) == 0 {
		return nil
	}
	// No processors: the first consumer fans out to the rest.
	for i := 1; i < len(consumers); i++ {
		consumers[0].Subscribe(consumers[i])
		logger.Debugf("Chained consumer %T -> consumer %T", consumers[0], consumers[i])
	}
	return consumers[0]
}
