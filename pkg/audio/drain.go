package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it after cancelling a [Source] consumer so the producing goroutine is
// never left blocked on a full frames channel.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
