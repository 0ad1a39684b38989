package stream

const FeedTopic = "feed"

func RoomTopic(roomId string) string {
	return "room:" + roomId
}

func UnreadTopic(userId string) string {
	return "unread:" + userId
}

func BlocklistTopic(userId string) string {
	return "blocklist:" + userId
}
