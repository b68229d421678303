package messaging

// Topic suffixes appended to the configured prefix
const (
	topicShares   = "shares"   // pool verdicts on submitted shares
	topicHashrate = "hashrate" // per-device scan segment rates
)

// Topics names the event streams of one miner
type Topics struct {
	Shares   string
	Hashrate string
}

// NewTopics derives the topic names from prefix, e.g. "gominer.shares".
func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = "gominer"
	}
	return Topics{
		Shares:   prefix + "." + topicShares,
		Hashrate: prefix + "." + topicHashrate,
	}
}
