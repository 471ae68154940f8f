// Package push delivers mobile notifications for new messages.
//
// The Resolver turns a message into the device tokens of members whose notification
// preference allows it. The Dispatcher sends those tokens to the push gateway in a single
// batch and deletes the tokens the gateway rejected. The Notifier ties both together and
// runs them detached from the request that created the message.
package push
