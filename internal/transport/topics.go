package transport

import "fmt"

// Topic layout of the AWS IoT Jobs service, parameterized by thing
// name. The reconnect topic is plain application traffic published by
// the fleet tooling.

func topicNotifyNext(thing string) string {
	return fmt.Sprintf("$aws/things/%s/jobs/notify-next", thing)
}

func topicGetNext(thing string) string {
	return fmt.Sprintf("$aws/things/%s/jobs/$next/get", thing)
}

func topicGetNextAccepted(thing string) string {
	return topicGetNext(thing) + "/accepted"
}

func topicUpdate(thing, jobID string) string {
	return fmt.Sprintf("$aws/things/%s/jobs/%s/update", thing, jobID)
}

func topicUpdateAccepted(thing string) string {
	return fmt.Sprintf("$aws/things/%s/jobs/+/update/accepted", thing)
}

func topicUpdateRejected(thing string) string {
	return fmt.Sprintf("$aws/things/%s/jobs/+/update/rejected", thing)
}

func topicReconnect(thing string) string {
	return fmt.Sprintf("reconnect/%s", thing)
}
