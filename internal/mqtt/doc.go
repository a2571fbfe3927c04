// Package mqtt publishes the bot's status to an MQTT broker. On every
// (re-)connect it announces retained Home Assistant discovery configs
// for each sensor and an "online" birth message; a will message flips
// availability to "offline" on unexpected disconnects.
//
// Sensor states are published on a fixed interval. Completion events
// from the event bus feed a daily token counter, and the bus can be
// mirrored to an events topic for external consumers.
//
// Connection management uses Eclipse Paho v2's [autopaho] package.
package mqtt
