/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package backend

import (
	"errors"
	"fmt"
	"math/bits"
)

var ErrInvalidQueues = errors.New("invalid queue count")

// MultiQueueOptions returns the option suffixes appended to the -netdev and
// -device arguments of a NIC with the given queue count. A single queue
// yields no options.
func MultiQueueOptions(queues int) (tapOpts, deviceOpts string) {
	if queues <= 1 {
		return "", ""
	}
	return fmt.Sprintf(",queues=%d,vhost=off", queues),
		fmt.Sprintf(",mq=on,vectors=%d,rss=on,hash=on", 2*queues+2)
}

// ValidateQueues checks that queues is a power of two no larger than vcpus.
func ValidateQueues(queues, vcpus int) error {
	if queues < 1 {
		return fmt.Errorf("%w: %d is below 1", ErrInvalidQueues, queues)
	}
	if bits.OnesCount(uint(queues)) != 1 {
		return fmt.Errorf("%w: %d is not a power of two", ErrInvalidQueues, queues)
	}
	if queues > vcpus {
		return fmt.Errorf("%w: %d exceeds %d vCPUs", ErrInvalidQueues, queues, vcpus)
	}
	return nil
}
