package transfer

// Topic layout: each serving device owns one request/response topic pair
// under the configured namespace. Clients publish Range Requests to the
// source device's fetch topic and listen on that device's result topic.

// FetchTopic is where a device receives Range Requests addressed to it.
func FetchTopic(base, device string) string {
	return base + "/" + device + "/fetch"
}

// ResultTopic is where a device publishes its Range Responses.
func ResultTopic(base, device string) string {
	return base + "/" + device + "/result"
}
