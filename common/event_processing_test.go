package common

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetNewTaskProcessorInstance("testing", 4)
	assert.Nil(err)

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskProcessingEventLoop(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetNewTaskProcessorInstance("testing", 4)
	assert.Nil(err)

	type testTask struct {
		payload string
	}
	received := make(chan string, 4)
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testTask{}), func(p interface{}) error {
			task, ok := p.(testTask)
			if !ok {
				return fmt.Errorf("unexpected task type")
			}
			received <- task.payload
			return nil
		},
	))

	wg := sync.WaitGroup{}
	assert.Nil(uut.StartEventLoop(&wg))

	assert.Nil(uut.Submit(testTask{payload: "unit-test"}))
	select {
	case seen := <-received:
		assert.Equal("unit-test", seen)
	case <-time.After(time.Second):
		assert.True(false, "task was never processed")
	}

	assert.Nil(uut.StopEventLoop())
	wg.Wait()
}
