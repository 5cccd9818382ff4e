// Package notifications holds the notification model and the pure parts of
// aggregation: aggregation profiles, grouping key extraction and summary
// composition. Nothing here touches the store.
package notifications
