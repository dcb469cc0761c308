// Package chat captures live chat alongside a stream recording.
//
// It provides two interchangeable transports behind the Source interface:
//   - SocketSource: joins a chatroom over a websocket push channel and
//     normalizes the loosely-typed wire payloads at the boundary.
//   - IRCSource: joins the channel over IRC, for channels whose chat is
//     served that way.
//
// Messages from either transport are appended to a Document, the resumable
// JSON transcript paired with a recording. The Document keeps liveStartTime
// fixed at first write; resuming parses all prior messages back before
// reopening the writer so no event is lost across a restart. A broken chat
// connection is retried with backoff and never aborts media recording.
package chat
