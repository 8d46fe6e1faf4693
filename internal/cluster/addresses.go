package cluster

// Bus address scheme. Channel traffic fans out to every node holding a
// subscription for the channel; user addresses carry cross-node control and
// direct messages; socket addresses reach one writer endpoint wherever it
// lives.

func ChannelAddress(channel string) string {
	return "channel." + channel
}

func UserUpdateAddress(userID string) string {
	return "user.update." + userID
}

func DirectAddress(userID string) string {
	return "user.direct." + userID
}

func SocketAddress(endpointID string) string {
	return "socket." + endpointID
}
