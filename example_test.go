package nativepatch

import (
	"fmt"
	"log"

	"github.com/tetratelabs/nativepatch/amd64"
)

// This is an example of retargeting a call and deoptimizing its return site while the code may be running.
func Example() {
	// Heap memory behaves like code memory, but can't be executed.
	cache, err := NewCodeCache(4096, NewPatcherConfig().WithExecutableMemory(false))
	if err != nil {
		log.Fatal(err)
	}
	defer cache.Close()

	target, err := cache.Emit([]byte{0xc3}) // ret
	if err != nil {
		log.Fatal(err)
	}

	// call 0, followed by a post-call nop. EmitPatchable aligns the call displacement.
	site, err := cache.EmitPatchable([]byte{
		0xe8, 0x00, 0x00, 0x00, 0x00,
		0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00,
	}, 1, 4)
	if err != nil {
		log.Fatal(err)
	}

	if err = cache.SetCallDestination(site, target); err != nil {
		log.Fatal(err)
	}
	dest, err := cache.CallDestination(site)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s reaches target: %v\n", cache.Kind(site), dest == target)

	returnSite := site + amd64.CallSize
	if _, err = cache.SetPostCallInfo(returnSite, 1, int(site-target)); err != nil {
		log.Fatal(err)
	}
	if err = cache.Deoptimize(returnSite); err != nil {
		log.Fatal(err)
	}
	fmt.Println(cache.Kind(returnSite))

	// Output:
	// call reaches target: true
	// deopt
}
